package server_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/braccio-robotics/arm-dispatch/internal/dispatcher"
	"github.com/braccio-robotics/arm-dispatch/internal/log"
	"github.com/braccio-robotics/arm-dispatch/mocks"
	"github.com/braccio-robotics/arm-dispatch/pkg/protocol"
	"github.com/braccio-robotics/arm-dispatch/pkg/server"
	"github.com/braccio-robotics/arm-dispatch/pkg/snapshot"
)

const (
	cubePayload  = `{"detections": [{"class": "cube", "confidence": 0.9, "center_px": [100, 50]}], "crop_shape": [640, 480], "timestamp": "12:00:00"}`
	emptyPayload = `{"detections": [], "crop_shape": [640, 480]}`
)

var jwtSecret = []byte("correct horse battery staple")

func signToken(secret []byte, method jwt.SigningMethod) string {
	token, err := jwt.NewWithClaims(method, jwt.MapClaims{"sub": "detector"}).SignedString(secret)
	Expect(err).ToNot(HaveOccurred())
	return token
}

var _ = Describe("Server", func() {
	var (
		ctrl     *gomock.Controller
		dispatch *mocks.ServerDispatch
		store    *snapshot.Store
		srv      *server.Server
	)

	sendRequest := func(method, path, contentType, token string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, req)
		return rr
	}

	postData := func(body string) *httptest.ResponseRecorder {
		return sendRequest(http.MethodPost, "/data", "application/json", "", []byte(body))
	}

	decode := func(rr *httptest.ResponseRecorder) map[string]any {
		var reply map[string]any
		Expect(json.Unmarshal(rr.Body.Bytes(), &reply)).To(Succeed())
		return reply
	}

	BeforeEach(func() {
		log.SetOutput(io.Discard)
		ctrl = gomock.NewController(GinkgoT())
		dispatch = mocks.NewServerDispatch(ctrl)
		store = snapshot.New(0)
		srv = server.New(dispatch, store)
		DeferCleanup(func() {
			srv.Close()
			ctrl.Finish()
		})
	})

	Context("POST /data", func() {
		It("submits valid payloads", func() {
			var submitted *protocol.DetectionPayload
			dispatch.EXPECT().Submit(gomock.Any()).DoAndReturn(func(p *protocol.DetectionPayload) (dispatcher.Status, error) {
				submitted = p
				return dispatcher.StatusSentImmediately, nil
			})

			rr := postData(cubePayload)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Header().Get("Content-Type")).To(Equal("application/json"))
			reply := decode(rr)
			Expect(reply["status"]).To(Equal("sent_immediately"))
			Expect(reply["received_count"]).To(BeEquivalentTo(1))

			Expect(submitted).ToNot(BeNil())
			Expect(submitted.ID).To(Equal(reply["id"]))
			_, err := uuid.Parse(submitted.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(submitted.Detections).To(HaveLen(1))
			Expect(submitted.CropShape).To(Equal(&protocol.CropShape{640, 480}))
		})

		It("reports queued and reset outcomes", func() {
			gomock.InOrder(
				dispatch.EXPECT().Submit(gomock.Any()).Return(dispatcher.StatusQueued, nil),
				dispatch.EXPECT().Submit(gomock.Any()).Return(dispatcher.StatusReset, nil),
				dispatch.EXPECT().Submit(gomock.Any()).Return(dispatcher.StatusRejectedNotConnected, nil),
			)
			Expect(decode(postData(cubePayload))["status"]).To(Equal("queued"))
			reply := decode(postData(emptyPayload))
			Expect(reply["status"]).To(Equal("reset"))
			Expect(reply["received_count"]).To(BeEquivalentTo(0))
			Expect(decode(postData(cubePayload))["status"]).To(Equal("rejected_not_connected"))
		})

		It("rejects non-JSON requests without submitting", func() {
			rr := sendRequest(http.MethodPost, "/data", "text/plain", "", []byte(cubePayload))
			Expect(rr.Code).To(Equal(http.StatusUnsupportedMediaType))
			Expect(decode(rr)).To(HaveKey("error"))

			rr = sendRequest(http.MethodPost, "/data", "", "", []byte(cubePayload))
			Expect(rr.Code).To(Equal(http.StatusUnsupportedMediaType))
		})

		It("accepts JSON content types with parameters", func() {
			dispatch.EXPECT().Submit(gomock.Any()).Return(dispatcher.StatusQueued, nil)
			rr := sendRequest(http.MethodPost, "/data", "application/json; charset=utf-8", "", []byte(cubePayload))
			Expect(rr.Code).To(Equal(http.StatusOK))
		})

		It("rejects payloads without crop_shape without submitting", func() {
			rr := postData(`{"detections": [{"class": "cube", "confidence": 0.9, "center_px": [1, 2]}]}`)
			Expect(rr.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(rr)["error"]).To(ContainSubstring("crop_shape"))
			_, ok := store.Latest()
			Expect(ok).To(BeFalse())
		})

		It("rejects malformed JSON", func() {
			Expect(postData(`{"detections": [`).Code).To(Equal(http.StatusBadRequest))
			Expect(postData(`[1, 2, 3]`).Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 for validation errors from the dispatcher", func() {
			dispatch.EXPECT().Submit(gomock.Any()).Return(dispatcher.Status(""), protocol.ErrValidation)
			Expect(postData(cubePayload).Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects other methods", func() {
			rr := sendRequest(http.MethodGet, "/data", "", "", nil)
			Expect(rr.Code).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Context("snapshots", func() {
		It("returns an empty snapshot before any data arrives", func() {
			rr := sendRequest(http.MethodGet, "/get", "", "", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(MatchJSON(`{"detections": []}`))
		})

		It("returns the latest payload with its producer fields", func() {
			dispatch.EXPECT().Submit(gomock.Any()).Return(dispatcher.StatusSentImmediately, nil).Times(2)
			postData(emptyPayload)
			id := decode(postData(cubePayload))["id"]

			latest := decode(sendRequest(http.MethodGet, "/get", "", "", nil))
			Expect(latest["id"]).To(Equal(id))
			Expect(latest["timestamp"]).To(Equal("12:00:00"))
			Expect(latest["detections"]).To(HaveLen(1))
			Expect(latest).To(HaveKey("received_at"))

			history := decode(sendRequest(http.MethodGet, "/history", "", "", nil))
			Expect(history["history"]).To(HaveLen(2))
		})

		It("clears snapshots without touching the dispatcher", func() {
			dispatch.EXPECT().Submit(gomock.Any()).Return(dispatcher.StatusSentImmediately, nil)
			postData(cubePayload)

			rr := sendRequest(http.MethodPost, "/clear", "", "", nil)
			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(rr.Body.String()).To(MatchJSON(`{"status": "cleared"}`))
			Expect(sendRequest(http.MethodGet, "/get", "", "", nil).Body.String()).To(MatchJSON(`{"detections": []}`))
			Expect(sendRequest(http.MethodGet, "/history", "", "", nil).Body.String()).To(MatchJSON(`{"history": []}`))
		})
	})

	Context("arm state", func() {
		It("reports readiness", func() {
			dispatch.EXPECT().Ready().Return(true)
			rr := sendRequest(http.MethodGet, "/ready", "", "", nil)
			Expect(rr.Body.String()).To(MatchJSON(`{"ready": true}`))

			dispatch.EXPECT().Ready().Return(false)
			rr = sendRequest(http.MethodGet, "/ready", "", "", nil)
			Expect(rr.Body.String()).To(MatchJSON(`{"ready": false}`))
		})

		It("reports link status and statistics", func() {
			dispatch.EXPECT().Submit(gomock.Any()).Return(dispatcher.StatusQueued, nil)
			postData(cubePayload)
			dispatch.EXPECT().Status().Return(dispatcher.Report{
				Link: dispatcher.LinkStatus{
					Connected:        true,
					LinkState:        "connected",
					ArmIdle:          false,
					HasQueuedPayload: true,
				},
				Stats: dispatcher.Stats{Sent: 3, Queued: 1},
			})

			reply := decode(sendRequest(http.MethodGet, "/status", "", "", nil))
			Expect(reply["status"]).To(Equal("running"))
			Expect(reply["detection_count"]).To(BeEquivalentTo(1))
			Expect(reply["timestamp"]).To(BeNumerically(">", 0))
			Expect(reply["ble_status"]).To(Equal(map[string]any{
				"connected":          true,
				"link_state":         "connected",
				"arm_idle":           false,
				"has_queued_payload": true,
			}))
			Expect(reply["stats"]).To(HaveKeyWithValue("sent", BeEquivalentTo(3)))
		})

		It("answers the liveness probe", func() {
			reply := decode(sendRequest(http.MethodGet, "/test", "", "", nil))
			Expect(reply["status"]).To(Equal("ok"))
		})
	})

	Context("with a JWT secret", func() {
		BeforeEach(func() {
			srv.Close()
			srv = server.New(dispatch, store, server.WithJWTSecret(jwtSecret))
		})

		It("requires a token to submit", func() {
			rr := postData(cubePayload)
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
			Expect(decode(rr)["error"]).To(Equal(server.ErrMissingToken.Error()))
		})

		It("rejects tokens signed with another secret or method", func() {
			for _, token := range []string{
				signToken([]byte("wrong"), jwt.SigningMethodHS256),
				signToken(jwtSecret, jwt.SigningMethodHS512),
				"not-a-jwt",
			} {
				rr := sendRequest(http.MethodPost, "/data", "application/json", token, []byte(cubePayload))
				Expect(rr.Code).To(Equal(http.StatusUnauthorized))
			}
		})

		It("accepts valid tokens", func() {
			dispatch.EXPECT().Submit(gomock.Any()).Return(dispatcher.StatusSentImmediately, nil)
			token := signToken(jwtSecret, jwt.SigningMethodHS256)
			rr := sendRequest(http.MethodPost, "/data", "application/json", token, []byte(cubePayload))
			Expect(rr.Code).To(Equal(http.StatusOK))

			Expect(sendRequest(http.MethodPost, "/clear", "", "", nil).Code).To(Equal(http.StatusUnauthorized))
			Expect(sendRequest(http.MethodPost, "/clear", "", token, nil).Code).To(Equal(http.StatusOK))
		})

		It("leaves read-only endpoints open", func() {
			dispatch.EXPECT().Ready().Return(true)
			Expect(sendRequest(http.MethodGet, "/ready", "", "", nil).Code).To(Equal(http.StatusOK))
			Expect(sendRequest(http.MethodGet, "/get", "", "", nil).Code).To(Equal(http.StatusOK))
		})
	})

	Context("websocket feed", func() {
		var (
			httpServer *httptest.Server
			conn       *websocket.Conn
		)

		BeforeEach(func() {
			httpServer = httptest.NewServer(srv)
			DeferCleanup(httpServer.Close)

			var err error
			url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
			conn, _, err = websocket.DefaultDialer.Dial(url, nil)
			Expect(err).ToNot(HaveOccurred())
			DeferCleanup(conn.Close)
			Eventually(srv.Subscribers).Should(Equal(1))
		})

		readEvent := func() map[string]any {
			Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			var event map[string]any
			Expect(conn.ReadJSON(&event)).To(Succeed())
			return event
		}

		It("publishes accepted payloads and clears", func() {
			dispatch.EXPECT().Submit(gomock.Any()).Return(dispatcher.StatusSentImmediately, nil)
			id := decode(postData(cubePayload))["id"]

			event := readEvent()
			Expect(event["type"]).To(Equal("snapshot"))
			Expect(event["data"]).To(HaveKeyWithValue("id", id))

			sendRequest(http.MethodPost, "/clear", "", "", nil)
			event = readEvent()
			Expect(event["data"]).To(Equal(map[string]any{"detections": []any{}}))
		})

		It("does not publish rejected payloads", func() {
			postData(`{"detections": []}`)
			dispatch.EXPECT().Submit(gomock.Any()).Return(dispatcher.StatusReset, nil)
			postData(emptyPayload)
			event := readEvent()
			Expect(event["data"]).To(HaveKeyWithValue("crop_shape", []any{640.0, 480.0}))
		})

		It("disconnects subscribers on close", func() {
			srv.Close()
			Eventually(srv.Subscribers).Should(Equal(0))
			Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			_, _, err := conn.ReadMessage()
			Expect(err).To(HaveOccurred())
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) {
				Expect(netErr.Timeout()).To(BeFalse())
			}
		})
	})
})
