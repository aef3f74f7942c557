package client_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jarcoal/httpmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/braccio-robotics/arm-dispatch/internal/log"
	"github.com/braccio-robotics/arm-dispatch/pkg/client"
	"github.com/braccio-robotics/arm-dispatch/pkg/protocol"
)

const baseURL = "http://arm.local:5003"

func cubePayload() *protocol.DetectionPayload {
	return &protocol.DetectionPayload{
		Detections: []protocol.Detection{{Class: "cube", Confidence: 0.9, CenterPx: [2]float64{100, 50}}},
		CropShape:  &protocol.CropShape{640, 480},
	}
}

var _ = Describe("Client", func() {
	var c *client.Client

	BeforeEach(func() {
		log.SetOutput(io.Discard)
		httpmock.Activate()
		DeferCleanup(httpmock.DeactivateAndReset)

		var err error
		c, err = client.New(baseURL + "/")
		Expect(err).ToNot(HaveOccurred())
		c.PollInterval = 5 * time.Millisecond
	})

	It("rejects invalid server URLs", func() {
		for _, u := range []string{"arm.local:5003", "ftp://arm.local", "http://"} {
			_, err := client.New(u)
			Expect(err).To(HaveOccurred(), u)
		}
	})

	Context("Send", func() {
		It("posts the payload with a timestamp and image", func() {
			httpmock.RegisterResponder(http.MethodPost, baseURL+"/data", func(r *http.Request) (*http.Response, error) {
				Expect(r.Header.Get("Content-Type")).To(Equal("application/json"))
				Expect(r.Header.Get("Authorization")).To(BeEmpty())
				var body map[string]any
				Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
				Expect(body["crop_shape"]).To(Equal([]any{640.0, 480.0}))
				Expect(body["detections"]).To(HaveLen(1))
				Expect(body["timestamp"]).To(MatchRegexp(`^\d{8}_\d{6}$`))
				Expect(body["image"]).To(Equal(base64.StdEncoding.EncodeToString([]byte("jpeg"))))
				Expect(body).ToNot(HaveKey("id"))
				return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
					"status":         "sent_immediately",
					"received_count": 1,
					"id":             "abc",
				})
			})

			result, err := c.Send(context.Background(), cubePayload(), []byte("jpeg"))
			Expect(err).ToNot(HaveOccurred())
			Expect(*result).To(Equal(client.SendResult{Status: "sent_immediately", ReceivedCount: 1, ID: "abc"}))
		})

		It("keeps caller timestamps and sends empty detection lists", func() {
			httpmock.RegisterResponder(http.MethodPost, baseURL+"/data", func(r *http.Request) (*http.Response, error) {
				var body map[string]any
				Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
				Expect(body["timestamp"]).To(BeEquivalentTo(1700000000))
				Expect(body["detections"]).To(Equal([]any{}))
				Expect(body).ToNot(HaveKey("image"))
				return httpmock.NewJsonResponse(http.StatusOK, map[string]any{"status": "reset"})
			})

			p := &protocol.DetectionPayload{CropShape: &protocol.CropShape{640, 480}, Timestamp: json.RawMessage("1700000000")}
			result, err := c.Send(context.Background(), p, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Status).To(Equal("reset"))
		})

		It("validates payloads locally", func() {
			_, err := c.Send(context.Background(), &protocol.DetectionPayload{}, nil)
			Expect(protocol.IsValidationError(err)).To(BeTrue())
			Expect(httpmock.GetTotalCallCount()).To(Equal(0))
		})

		It("surfaces server errors", func() {
			httpmock.RegisterResponder(http.MethodPost, baseURL+"/data",
				httpmock.NewStringResponder(http.StatusBadRequest, `{"error": "invalid detection payload: missing crop_shape"}`))

			_, err := c.Send(context.Background(), cubePayload(), nil)
			var httpErr *client.HttpError
			Expect(errors.As(err, &httpErr)).To(BeTrue())
			Expect(httpErr.Code).To(Equal(http.StatusBadRequest))
			Expect(httpErr.Message).To(Equal("invalid detection payload: missing crop_shape"))
			Expect(httpErr.Temporary()).To(BeFalse())
			Expect(httpErr.MayHaveSucceeded()).To(BeFalse())
		})
	})

	Context("authentication", func() {
		It("mints tokens the server can verify", func() {
			secret := []byte("secret")
			c, err := client.New(baseURL, client.WithJWTSecret(secret, "detector"))
			Expect(err).ToNot(HaveOccurred())

			httpmock.RegisterResponder(http.MethodPost, baseURL+"/clear", func(r *http.Request) (*http.Response, error) {
				header, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				Expect(ok).To(BeTrue())
				token, err := jwt.Parse(header, func(*jwt.Token) (interface{}, error) { return secret, nil },
					jwt.WithValidMethods([]string{"HS256"}))
				Expect(err).ToNot(HaveOccurred())
				subject, err := token.Claims.GetSubject()
				Expect(err).ToNot(HaveOccurred())
				Expect(subject).To(Equal("detector"))
				return httpmock.NewJsonResponse(http.StatusOK, map[string]string{"status": "cleared"})
			})
			Expect(c.Clear(context.Background())).To(Succeed())
		})

		It("sends static tokens", func() {
			c, err := client.New(baseURL, client.WithToken("abc.def.ghi\n"))
			Expect(err).ToNot(HaveOccurred())
			httpmock.RegisterResponder(http.MethodPost, baseURL+"/clear", func(r *http.Request) (*http.Response, error) {
				Expect(r.Header.Get("Authorization")).To(Equal("Bearer abc.def.ghi"))
				return httpmock.NewStringResponse(http.StatusUnauthorized, `{"error": "invalid bearer token"}`), nil
			})
			var httpErr *client.HttpError
			Expect(errors.As(c.Clear(context.Background()), &httpErr)).To(BeTrue())
			Expect(httpErr.Code).To(Equal(http.StatusUnauthorized))
		})
	})

	Context("readiness", func() {
		It("reports readiness", func() {
			httpmock.RegisterResponder(http.MethodGet, baseURL+"/ready",
				httpmock.NewStringResponder(http.StatusOK, `{"ready": true}`))
			Expect(c.Ready(context.Background())).To(BeTrue())
		})

		It("polls until the arm is ready, retrying temporary errors", func() {
			responses := []httpmock.Responder{
				httpmock.NewStringResponder(http.StatusOK, `{"ready": false}`),
				httpmock.NewStringResponder(http.StatusServiceUnavailable, ""),
				httpmock.NewStringResponder(http.StatusOK, `{"ready": false}`),
				httpmock.NewStringResponder(http.StatusOK, `{"ready": true}`),
			}
			calls := 0
			httpmock.RegisterResponder(http.MethodGet, baseURL+"/ready", func(r *http.Request) (*http.Response, error) {
				responder := responses[calls]
				calls++
				return responder(r)
			})

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			Expect(c.WaitReady(ctx)).To(Succeed())
			Expect(calls).To(Equal(4))
		})

		It("stops polling on permanent errors", func() {
			httpmock.RegisterResponder(http.MethodGet, baseURL+"/ready",
				httpmock.NewStringResponder(http.StatusNotFound, "not found"))
			err := c.WaitReady(context.Background())
			var httpErr *client.HttpError
			Expect(errors.As(err, &httpErr)).To(BeTrue())
			Expect(httpErr.Message).To(Equal("not found"))
		})

		It("gives up when the context expires", func() {
			httpmock.RegisterResponder(http.MethodGet, baseURL+"/ready",
				httpmock.NewStringResponder(http.StatusOK, `{"ready": false}`))
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			Expect(c.WaitReady(ctx)).To(MatchError(context.DeadlineExceeded))
		})
	})

	Context("server state", func() {
		It("decodes the status report", func() {
			httpmock.RegisterResponder(http.MethodGet, baseURL+"/status", httpmock.NewStringResponder(http.StatusOK, `{
				"status": "running",
				"detection_count": 2,
				"timestamp": 1700000000.5,
				"ble_status": {"connected": true, "link_state": "connected", "arm_idle": false, "has_queued_payload": true},
				"stats": {"sent": 4, "queued": 1},
				"subscribers": 0
			}`))
			report, err := c.Status(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(report.DetectionCount).To(Equal(2))
			Expect(report.Link).To(Equal(client.LinkStatus{Connected: true, LinkState: "connected", HasQueuedPayload: true}))
			Expect(report.Stats).To(HaveKeyWithValue("sent", uint64(4)))
		})

		It("returns the latest snapshot", func() {
			httpmock.RegisterResponder(http.MethodGet, baseURL+"/get",
				httpmock.NewStringResponder(http.StatusOK, `{"detections": []}`))
			latest, err := c.Latest(context.Background())
			Expect(err).ToNot(HaveOccurred())
			Expect(string(latest)).To(MatchJSON(`{"detections": []}`))
		})

		It("reports malformed responses", func() {
			httpmock.RegisterResponder(http.MethodGet, baseURL+"/status",
				httpmock.NewStringResponder(http.StatusOK, `<html>`))
			_, err := c.Status(context.Background())
			Expect(err).To(MatchError(ContainSubstring("/status")))
		})
	})
})
