package link_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/braccio-robotics/arm-dispatch/internal/log"
	"github.com/braccio-robotics/arm-dispatch/pkg/connector"
	"github.com/braccio-robotics/arm-dispatch/pkg/connector/link"
	"github.com/braccio-robotics/arm-dispatch/pkg/protocol"
)

var _ = Describe("Session", func() {
	var (
		arm     *fakeArm
		session *link.Session
	)

	uuids := link.UUIDs{Service: serviceUUID, Command: commandUUID, Status: statusUUID}

	newSession := func(options ...link.Option) *link.Session {
		options = append([]link.Option{
			link.WithDiscoveryTimeout(100 * time.Millisecond),
			link.WithReconnectInterval(20 * time.Millisecond),
			link.WithWriteTimeout(200 * time.Millisecond),
		}, options...)
		return link.New(arm, armAddress, uuids, options...)
	}

	start := func() {
		Expect(session.Start(context.Background())).To(Succeed())
		Eventually(session.Connected).Should(BeTrue())
	}

	BeforeEach(func() {
		log.SetOutput(io.Discard)
		arm = newFakeArm()
		session = newSession()
		DeferCleanup(func() {
			session.Close()
		})
	})

	It("fails with a discovery error when the arm never advertises", func() {
		arm.set(func(f *fakeArm) { f.advertise = false })
		err := session.Start(context.Background())
		Expect(err).To(MatchError(protocol.ErrDiscovery))
		Expect(session.State()).To(Equal(connector.StateDisconnected))
		Expect(arm.Connects()).To(Equal(0))
	})

	It("connects and subscribes after discovery", func() {
		start()
		Expect(session.State()).To(Equal(connector.StateConnected))
		Expect(arm.Connects()).To(Equal(1))
	})

	It("retries the first connection instead of failing", func() {
		arm.set(func(f *fakeArm) { f.connectErrs = []error{errSimulated, errSimulated} })
		start()
		Expect(arm.Connects()).To(Equal(3))
	})

	It("treats a subscription failure as a connection failure", func() {
		arm.set(func(f *fakeArm) { f.subscribeErr = errSimulated })
		start()
		Expect(arm.Connects()).To(Equal(2))
	})

	It("reports the current status read after subscribing", func() {
		arm.set(func(f *fakeArm) { f.status = []byte{0} })
		start()
		Eventually(session.Receive()).Should(Receive(Equal([]byte{0})))
	})

	It("forwards notifications", func() {
		start()
		arm.notify(1)
		arm.notify(0)
		Eventually(session.Receive()).Should(Receive(Equal([]byte{1})))
		Eventually(session.Receive()).Should(Receive(Equal([]byte{0})))
	})

	It("keeps the newest notifications when the queue overflows", func() {
		start()
		for i := 0; i < connector.BufferSize+3; i++ {
			arm.notify(byte(i))
		}
		var last []byte
		for len(session.Receive()) > 0 {
			last = <-session.Receive()
		}
		Expect(last).To(Equal([]byte{byte(connector.BufferSize + 2)}))
	})

	It("writes frames in order", func() {
		start()
		Expect(session.WriteCommand(context.Background(), "S 640 480")).To(Succeed())
		Expect(session.WriteCommand(context.Background(), "T 100 50 1")).To(Succeed())
		Expect(arm.Writes()).To(Equal([]string{"S 640 480", "T 100 50 1"}))
	})

	It("never has two writes in flight", func() {
		arm.set(func(f *fakeArm) { f.writeDelay = 5 * time.Millisecond })
		start()
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				Expect(session.WriteCommand(context.Background(), fmt.Sprintf("T %d 0 1", i))).To(Succeed())
			}(i)
		}
		wg.Wait()
		Expect(arm.Writes()).To(HaveLen(8))
		Expect(arm.MaxInFlight()).To(Equal(1))
	})

	It("returns a timeout error when the transport is slow", func() {
		session = newSession(link.WithWriteTimeout(20 * time.Millisecond))
		arm.set(func(f *fakeArm) { f.writeDelay = 100 * time.Millisecond })
		start()
		err := session.WriteCommand(context.Background(), "S 640 480")
		Expect(err).To(MatchError(protocol.ErrWriteTimeout))
		Expect(protocol.Temporary(err)).To(BeTrue())
	})

	It("wraps transport write errors", func() {
		arm.set(func(f *fakeArm) { f.writeErr = errSimulated })
		start()
		err := session.WriteCommand(context.Background(), "S 640 480")
		Expect(err).To(MatchError(protocol.ErrWriteFailure))
		Expect(err.Error()).To(ContainSubstring(errSimulated.Error()))
	})

	It("rejects writes while disconnected", func() {
		Expect(session.WriteCommand(context.Background(), "S 640 480")).To(MatchError(protocol.ErrNotConnected))
	})

	It("reconnects after the arm drops the link", func() {
		start()
		arm.set(func(f *fakeArm) { f.connectErrs = []error{errSimulated, errSimulated, errSimulated} })
		arm.drop()
		Eventually(session.Connected).Should(BeFalse())
		Expect(session.WriteCommand(context.Background(), "S 640 480")).To(MatchError(protocol.ErrNotConnected))
		Eventually(session.Connected).Should(BeTrue())
		Expect(arm.Connects()).To(Equal(5))

		Expect(session.WriteCommand(context.Background(), "S 640 480")).To(Succeed())
		arm.notify(0)
		Eventually(session.Receive()).Should(Receive(Equal([]byte{0})))
	})

	It("closes idempotently", func() {
		start()
		session.Close()
		session.Close()
		Expect(session.State()).To(Equal(connector.StateClosed))
		Expect(session.WriteCommand(context.Background(), "S 1 1")).To(MatchError(protocol.ErrNotConnected))
		Expect(session.Start(context.Background())).To(MatchError(protocol.ErrClosed))
	})
})
