package hublink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func getTestConn(options ...func(*conn) error) (HubConnection, *testingTransport) {
	transport := newTestingTransport()
	opts := append([]func(*conn) error{WithTransport(transport), testLoggerOption()}, options...)
	c, err := NewHubConnection(context.Background(), opts...)
	Expect(err).NotTo(HaveOccurred())
	return c, transport
}

var _ = Describe("HubConnection", func() {

	Context("Start", func() {
		It("should connect, handshake and reach the Connected state", func() {
			c, transport := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			Expect(c.State()).To(Equal(Connected))
			Expect(transport.lastHandshakeRequest()).To(ContainSubstring(`"protocol":"json"`))
			Expect(c.ConnectionID()).To(Equal("test-conn-1"))
			Expect(c.Stop()).NotTo(HaveOccurred())
		})
		It("should downgrade to handshake version 1 without stateful reconnect", func() {
			c, transport := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			Expect(transport.lastHandshakeRequest()).To(ContainSubstring(`"version":1`))
			_ = c.Stop()
		})
		It("should use the protocol version when the transport supports stateful reconnect", func() {
			c, transport := getTestConn()
			transport.features.Reconnect = true
			Expect(c.Start()).NotTo(HaveOccurred())
			Expect(transport.lastHandshakeRequest()).To(ContainSubstring(`"version":2`))
			_ = c.Stop()
		})
		It("should fail when the connection is not Disconnected", func() {
			c, _ := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			err := c.Start()
			Expect(err).To(HaveOccurred())
			var stateErr *ProtocolStateError
			Expect(errors.As(err, &stateErr)).To(BeTrue())
			_ = c.Stop()
		})
		It("should fail with the server reported handshake error", func() {
			c, transport := getTestConn()
			transport.handshakeResponse = `{"error":"denied"}` + "\u001e"
			err := c.Start()
			Expect(err).To(HaveOccurred())
			var hsErr *HandshakeError
			Expect(errors.As(err, &hsErr)).To(BeTrue())
			Expect(c.State()).To(Equal(Disconnected))
		})
		It("should fail with a TimeoutError when the handshake response does not arrive", func() {
			c, transport := getTestConn(HandshakeTimeout(50 * time.Millisecond))
			transport.autoHandshake = false
			err := c.Start()
			Expect(err).To(HaveOccurred())
			var toErr *TimeoutError
			Expect(errors.As(err, &toErr)).To(BeTrue())
			Expect(c.State()).To(Equal(Disconnected))
		})
	})

	Context("Stop", func() {
		It("should transition to Disconnected and fire OnClose exactly once", func() {
			c, _ := getTestConn()
			var closeCount int32
			c.OnClose(func(err error) { atomic.AddInt32(&closeCount, 1) })
			Expect(c.Start()).NotTo(HaveOccurred())
			Expect(c.Stop()).NotTo(HaveOccurred())
			Expect(c.State()).To(Equal(Disconnected))
			Expect(c.Stop()).NotTo(HaveOccurred())
			Consistently(func() int32 { return atomic.LoadInt32(&closeCount) }, 100*time.Millisecond).Should(Equal(int32(1)))
		})
		It("should not fire OnClose when the connection never started", func() {
			c, _ := getTestConn()
			var closeCount int32
			c.OnClose(func(err error) { atomic.AddInt32(&closeCount, 1) })
			Expect(c.Stop()).NotTo(HaveOccurred())
			Consistently(func() int32 { return atomic.LoadInt32(&closeCount) }, 100*time.Millisecond).Should(Equal(int32(0)))
		})
	})

	Context("Invoke", func() {
		It("should resolve with the server result", func() {
			c, transport := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			ch := c.Invoke("Echo", "x")
			sent := transport.nextSent(time.Second)
			invocation, ok := sent.(invocationMessage)
			Expect(ok).To(BeTrue())
			Expect(invocation.Target).To(Equal("Echo"))
			Expect(invocation.InvocationID).To(Equal("0"))
			transport.receiveFromServer(completionMessage{Type: messageTypeCompletion, InvocationID: "0", Result: "x"})
			r := <-ch
			Expect(r.Error).NotTo(HaveOccurred())
			Expect(r.Value).To(Equal("x"))
			_ = c.Stop()
		})
		It("should fail with the server reported completion error", func() {
			c, transport := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			ch := c.Invoke("Echo", "x")
			Expect(transport.nextSent(time.Second)).NotTo(BeNil())
			transport.receiveFromServer(completionMessage{Type: messageTypeCompletion, InvocationID: "0", Error: "it went wrong"})
			r := <-ch
			Expect(r.Error).To(HaveOccurred())
			Expect(r.Error.Error()).To(ContainSubstring("it went wrong"))
			_ = c.Stop()
		})
		It("should fail pending invocations when the connection closes", func() {
			c, transport := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			ch := c.Invoke("Echo", "x")
			Expect(transport.nextSent(time.Second)).NotTo(BeNil())
			transport.loseConnection(errors.New("broken wire"))
			r := <-ch
			Expect(r.Error).To(HaveOccurred())
			var canceled *InvocationCanceledError
			Expect(errors.As(r.Error, &canceled)).To(BeTrue())
		})
		It("should fail when the connection is not Connected", func() {
			c, _ := getTestConn()
			r := <-c.Invoke("Echo", "x")
			Expect(r.Error).To(HaveOccurred())
		})
		It("should return an error result when the transport send fails", func() {
			c, transport := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.setSendError(errors.New("fail"))
			r := <-c.Invoke("Echo", "x")
			Expect(r.Error).To(HaveOccurred())
			transport.setSendError(nil)
			_ = c.Stop()
		})
	})

	Context("Send", func() {
		It("should send an invocation without id and resolve on enqueued", func() {
			c, transport := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			Expect(<-c.Send("Notify", 1, "a")).NotTo(HaveOccurred())
			sent := transport.nextSent(time.Second)
			invocation, ok := sent.(invocationMessage)
			Expect(ok).To(BeTrue())
			Expect(invocation.Target).To(Equal("Notify"))
			Expect(invocation.InvocationID).To(Equal(""))
			_ = c.Stop()
		})
		It("should return the client side error when sending fails", func() {
			c, transport := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.setSendError(errors.New("fail"))
			Expect(<-c.Send("Notify")).To(HaveOccurred())
			transport.setSendError(nil)
			_ = c.Stop()
		})
	})

	Context("On/Off", func() {
		It("should dispatch server invocations case-insensitively", func() {
			c, transport := getTestConn()
			received := make(chan string, 1)
			Expect(c.On("OnMessage", func(text string) { received <- text })).NotTo(HaveOccurred())
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.receiveFromServer(invocationMessage{Type: messageTypeInvocation, Target: "onmessage", Arguments: []interface{}{"hi"}})
			Eventually(received, time.Second).Should(Receive(Equal("hi")))
			_ = c.Stop()
		})
		It("should ignore a duplicate registration of the same handler func", func() {
			c, transport := getTestConn()
			var calls int32
			handler := func() { atomic.AddInt32(&calls, 1) }
			Expect(c.On("ping", handler)).NotTo(HaveOccurred())
			Expect(c.On("ping", handler)).NotTo(HaveOccurred())
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.receiveFromServer(invocationMessage{Type: messageTypeInvocation, Target: "Ping", Arguments: []interface{}{}})
			Eventually(func() int32 { return atomic.LoadInt32(&calls) }, time.Second).Should(Equal(int32(1)))
			Consistently(func() int32 { return atomic.LoadInt32(&calls) }, 100*time.Millisecond).Should(Equal(int32(1)))
			_ = c.Stop()
		})
		It("should restore a handler exactly once after Off and repeated On", func() {
			c, transport := getTestConn()
			var calls int32
			handler := func() { atomic.AddInt32(&calls, 1) }
			Expect(c.On("m", handler)).NotTo(HaveOccurred())
			c.Off("m", handler)
			Expect(c.On("m", handler)).NotTo(HaveOccurred())
			Expect(c.On("m", handler)).NotTo(HaveOccurred())
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.receiveFromServer(invocationMessage{Type: messageTypeInvocation, Target: "m", Arguments: []interface{}{}})
			Eventually(func() int32 { return atomic.LoadInt32(&calls) }, time.Second).Should(Equal(int32(1)))
			Consistently(func() int32 { return atomic.LoadInt32(&calls) }, 100*time.Millisecond).Should(Equal(int32(1)))
			_ = c.Stop()
		})
		It("should remove all handlers for a target when Off gets no handler", func() {
			c, transport := getTestConn()
			var calls int32
			Expect(c.On("m", func() { atomic.AddInt32(&calls, 1) })).NotTo(HaveOccurred())
			Expect(c.On("m", func(s string) { atomic.AddInt32(&calls, 1) })).NotTo(HaveOccurred())
			c.Off("m")
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.receiveFromServer(invocationMessage{Type: messageTypeInvocation, Target: "m", Arguments: []interface{}{}})
			Consistently(func() int32 { return atomic.LoadInt32(&calls) }, 100*time.Millisecond).Should(Equal(int32(0)))
			_ = c.Stop()
		})
		It("should close the connection when the server requests an invocation result", func() {
			c, transport := getTestConn()
			closeErr := make(chan error, 1)
			c.OnClose(func(err error) { closeErr <- err })
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.receiveFromServer(invocationMessage{Type: messageTypeInvocation, Target: "m", InvocationID: "42", Arguments: []interface{}{}})
			var err error
			Eventually(closeErr, time.Second).Should(Receive(&err))
			var unsupported *UnsupportedServerRequestError
			Expect(errors.As(err, &unsupported)).To(BeTrue())
			Expect(c.State()).To(Equal(Disconnected))
		})
	})

	Context("PullStream", func() {
		It("should deliver stream items until the completion", func() {
			c, transport := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			ch := c.PullStream(context.Background(), "Counter", 3)
			sent := transport.nextSent(time.Second)
			invocation, ok := sent.(invocationMessage)
			Expect(ok).To(BeTrue())
			Expect(invocation.Type).To(Equal(messageTypeStreamInvocation))
			transport.receiveFromServer(
				streamItemMessage{Type: messageTypeStreamItem, InvocationID: invocation.InvocationID, Item: 1.0},
				streamItemMessage{Type: messageTypeStreamItem, InvocationID: invocation.InvocationID, Item: 2.0},
				completionMessage{Type: messageTypeCompletion, InvocationID: invocation.InvocationID},
			)
			values := make([]interface{}, 0)
			for r := range ch {
				Expect(r.Error).NotTo(HaveOccurred())
				values = append(values, r.Value)
			}
			Expect(values).To(Equal([]interface{}{1.0, 2.0}))
			_ = c.Stop()
		})
		It("should error the stream on a completion with error", func() {
			c, transport := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			ch := c.PullStream(context.Background(), "Counter")
			invocation := transport.nextSent(time.Second).(invocationMessage)
			transport.receiveFromServer(completionMessage{Type: messageTypeCompletion, InvocationID: invocation.InvocationID, Error: "no counter"})
			r := <-ch
			Expect(r.Error).To(HaveOccurred())
			_ = c.Stop()
		})
		It("should send a CancelInvocation when the consumer cancels", func() {
			c, transport := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			ctx, cancel := context.WithCancel(context.Background())
			_ = c.PullStream(ctx, "Counter")
			invocation := transport.nextSent(time.Second).(invocationMessage)
			cancel()
			var canceled cancelInvocationMessage
			Eventually(func() bool {
				sent := transport.nextSent(100 * time.Millisecond)
				if cm, ok := sent.(cancelInvocationMessage); ok {
					canceled = cm
					return true
				}
				return false
			}, time.Second).Should(BeTrue())
			Expect(canceled.InvocationID).To(Equal(invocation.InvocationID))
			_ = c.Stop()
		})
	})

	Context("PushStreams", func() {
		It("should push channel arguments as client streams", func() {
			c, transport := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			source := make(chan int, 4)
			ch := c.PushStreams("UploadInts", "tag", source)
			invocation := transport.nextSent(time.Second).(invocationMessage)
			Expect(invocation.StreamIds).To(HaveLen(1))
			Expect(invocation.Arguments).To(HaveLen(1))
			streamID := invocation.StreamIds[0]
			source <- 1
			source <- 2
			close(source)
			item := transport.nextSent(time.Second).(streamItemMessage)
			Expect(item.InvocationID).To(Equal(streamID))
			item = transport.nextSent(time.Second).(streamItemMessage)
			Expect(item.InvocationID).To(Equal(streamID))
			completion := transport.nextSent(time.Second).(completionMessage)
			Expect(completion.InvocationID).To(Equal(streamID))
			transport.receiveFromServer(completionMessage{Type: messageTypeCompletion, InvocationID: invocation.InvocationID, Result: 3.0})
			r := <-ch
			Expect(r.Error).NotTo(HaveOccurred())
			Expect(r.Value).To(Equal(3.0))
			_ = c.Stop()
		})
		It("should fail without a channel argument", func() {
			c, _ := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			r := <-c.PushStreams("UploadInts", "tag")
			Expect(r.Error).To(HaveOccurred())
			_ = c.Stop()
		})
	})

	Context("Reconnect", func() {
		It("should reconnect after a server close with allowReconnect", func() {
			c, transport := getTestConn(WithAutomaticReconnect(FixedRetryPolicy(10 * time.Millisecond)))
			reconnecting := make(chan error, 1)
			reconnected := make(chan string, 1)
			c.OnReconnecting(func(err error) { reconnecting <- err })
			c.OnReconnected(func(connectionID string) { reconnected <- connectionID })
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.receiveFromServer(closeMessage{Type: messageTypeClose, Error: "boom", AllowReconnect: true})
			var reason error
			Eventually(reconnecting, time.Second).Should(Receive(&reason))
			Expect(reason.Error()).To(ContainSubstring("boom"))
			var connectionID string
			Eventually(reconnected, time.Second).Should(Receive(&connectionID))
			Expect(connectionID).To(Equal("test-conn-2"))
			Expect(c.State()).To(Equal(Connected))
			_ = c.Stop()
		})
		It("should close without reconnecting when the policy gives up immediately", func() {
			c, transport := getTestConn(WithAutomaticReconnect(FixedRetryPolicy()))
			var sawReconnecting int32
			closed := make(chan error, 1)
			c.OnReconnecting(func(err error) { atomic.AddInt32(&sawReconnecting, 1) })
			c.OnClose(func(err error) { closed <- err })
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.loseConnection(errors.New("broken wire"))
			Eventually(closed, time.Second).Should(Receive())
			Expect(atomic.LoadInt32(&sawReconnecting)).To(Equal(int32(0)))
			Expect(c.State()).To(Equal(Disconnected))
		})
		It("should close without reconnecting when no policy is configured", func() {
			c, transport := getTestConn()
			closed := make(chan error, 1)
			c.OnClose(func(err error) { closed <- err })
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.loseConnection(errors.New("broken wire"))
			Eventually(closed, time.Second).Should(Receive())
			Expect(c.State()).To(Equal(Disconnected))
		})
		It("should stop promptly while the reconnect delay is pending", func() {
			c, transport := getTestConn(WithAutomaticReconnect(FixedRetryPolicy(time.Hour)))
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.loseConnection(errors.New("broken wire"))
			Eventually(c.State, time.Second).Should(Equal(Reconnecting))
			Expect(c.Stop()).NotTo(HaveOccurred())
			Expect(c.State()).To(Equal(Disconnected))
		})
		It("should call the policy with non-decreasing elapsed time and increasing attempt counts", func() {
			var mx sync.Mutex
			contexts := make([]RetryContext, 0)
			policy := NextRetryDelayFunc(func(retryCtx RetryContext) time.Duration {
				mx.Lock()
				contexts = append(contexts, retryCtx)
				count := len(contexts)
				mx.Unlock()
				if count > 3 {
					return RetryStop
				}
				return time.Millisecond
			})
			c, transport := getTestConn(WithAutomaticReconnect(policy))
			closed := make(chan error, 1)
			c.OnClose(func(err error) { closed <- err })
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.mx.Lock()
			transport.startErr = errors.New("cannot dial")
			transport.mx.Unlock()
			transport.loseConnection(errors.New("broken wire"))
			var closeErr error
			Eventually(closed, 2*time.Second).Should(Receive(&closeErr))
			var exhausted *RetryExhaustedError
			Expect(errors.As(closeErr, &exhausted)).To(BeTrue())
			mx.Lock()
			defer mx.Unlock()
			Expect(len(contexts)).To(Equal(4))
			for i, retryCtx := range contexts {
				Expect(retryCtx.PreviousRetryCount).To(Equal(i))
				if i > 0 {
					Expect(retryCtx.ElapsedTime).To(BeNumerically(">=", contexts[i-1].ElapsedTime))
				}
			}
		})
	})

	Context("Keep-alive and timeout", func() {
		It("should ping on the keep-alive interval", func() {
			c, transport := getTestConn(KeepAliveInterval(30 * time.Millisecond))
			Expect(c.Start()).NotTo(HaveOccurred())
			Eventually(func() bool {
				sent := transport.nextSent(100 * time.Millisecond)
				message, ok := sent.(hubMessage)
				return ok && message.Type == messageTypePing
			}, time.Second).Should(BeTrue())
			_ = c.Stop()
		})
		It("should close the connection when the server stays silent", func() {
			c, transport := getTestConn(TimeoutInterval(100*time.Millisecond), KeepAliveInterval(time.Hour))
			closed := make(chan error, 1)
			c.OnClose(func(err error) { closed <- err })
			Expect(c.Start()).NotTo(HaveOccurred())
			var closeErr error
			Eventually(closed, time.Second).Should(Receive(&closeErr))
			var toErr *TimeoutError
			Expect(errors.As(closeErr, &toErr)).To(BeTrue())
			Expect(c.State()).To(Equal(Disconnected))
			_ = transport
		})
		It("should not arm the timeout when the transport keeps itself alive", func() {
			transport := newTestingTransport()
			transport.features.InherentKeepAlive = true
			c, err := NewHubConnection(context.Background(),
				WithTransport(transport), testLoggerOption(), TimeoutInterval(50*time.Millisecond), KeepAliveInterval(time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Start()).NotTo(HaveOccurred())
			Consistently(c.State, 200*time.Millisecond).Should(Equal(Connected))
			_ = c.Stop()
		})
	})

	Context("SetBaseURL", func() {
		It("should be rejected while Connected", func() {
			c, _ := getTestConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			err := c.SetBaseURL("ws://elsewhere")
			var stateErr *ProtocolStateError
			Expect(errors.As(err, &stateErr)).To(BeTrue())
			_ = c.Stop()
		})
		It("should change the transport URL while Disconnected", func() {
			transport, err := NewWebSocketTransport("ws://localhost:5000/hub")
			Expect(err).NotTo(HaveOccurred())
			c, err := NewHubConnection(context.Background(), WithTransport(transport), testLoggerOption())
			Expect(err).NotTo(HaveOccurred())
			Expect(c.SetBaseURL("ws://localhost:5001/hub")).NotTo(HaveOccurred())
			Expect(c.BaseURL()).To(Equal("ws://localhost:5001/hub"))
		})
	})

	Context("Stateful reconnect", func() {
		statefulConn := func(options ...func(*conn) error) (HubConnection, *testingTransport) {
			c, transport := getTestConn(options...)
			transport.features.Reconnect = true
			return c, transport
		}

		It("should wire the transport hooks to the message buffer", func() {
			c, transport := statefulConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			Expect(transport.features.Disconnected).NotTo(BeNil())
			Expect(transport.features.Resend).NotTo(BeNil())
			_ = c.Stop()
		})
		It("should replay buffered messages after a Sequence frame on resume", func() {
			c, transport := statefulConn()
			Expect(c.Start()).NotTo(HaveOccurred())
			for i := 1; i <= 3; i++ {
				Expect(<-c.Send(fmt.Sprintf("m%v", i))).NotTo(HaveOccurred())
				Expect(transport.nextSent(time.Second)).NotTo(BeNil())
			}
			transport.disconnectStateful()
			// a send during the outage is buffered, not transmitted
			sendDone := make(chan error, 1)
			go func() { sendDone <- <-c.Send("m4") }()
			Consistently(transport.sentCh, 100*time.Millisecond).ShouldNot(Receive())
			Expect(transport.resumeStateful()).NotTo(HaveOccurred())
			sequence, ok := transport.nextSent(time.Second).(sequenceMessage)
			Expect(ok).To(BeTrue())
			Expect(sequence.SequenceID).To(Equal(uint64(1)))
			targets := make([]string, 0, 4)
			for i := 0; i < 4; i++ {
				invocation, ok := transport.nextSent(time.Second).(invocationMessage)
				Expect(ok).To(BeTrue())
				targets = append(targets, invocation.Target)
			}
			Expect(targets).To(Equal([]string{"m1", "m2", "m3", "m4"}))
			Eventually(sendDone, time.Second).Should(Receive(BeNil()))
			_ = c.Stop()
		})
		It("should drop inbound messages the server replays after a rewind", func() {
			c, transport := statefulConn()
			var calls int32
			Expect(c.On("m", func() { atomic.AddInt32(&calls, 1) })).NotTo(HaveOccurred())
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.receiveFromServer(invocationMessage{Type: messageTypeInvocation, Target: "m", Arguments: []interface{}{}})
			Eventually(func() int32 { return atomic.LoadInt32(&calls) }, time.Second).Should(Equal(int32(1)))
			transport.disconnectStateful()
			Expect(transport.resumeStateful()).NotTo(HaveOccurred())
			// drain the resume Sequence frame
			Expect(transport.nextSent(time.Second)).NotTo(BeNil())
			transport.receiveFromServer(
				sequenceMessage{Type: messageTypeSequence, SequenceID: 1},
				invocationMessage{Type: messageTypeInvocation, Target: "m", Arguments: []interface{}{}},
				invocationMessage{Type: messageTypeInvocation, Target: "m", Arguments: []interface{}{}},
			)
			Eventually(func() int32 { return atomic.LoadInt32(&calls) }, time.Second).Should(Equal(int32(2)))
			Consistently(func() int32 { return atomic.LoadInt32(&calls) }, 100*time.Millisecond).Should(Equal(int32(2)))
			_ = c.Stop()
		})
		It("should drop invocation messages between disconnect and the Sequence frame", func() {
			c, transport := statefulConn()
			var calls int32
			Expect(c.On("m", func() { atomic.AddInt32(&calls, 1) })).NotTo(HaveOccurred())
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.disconnectStateful()
			Expect(transport.resumeStateful()).NotTo(HaveOccurred())
			transport.receiveFromServer(invocationMessage{Type: messageTypeInvocation, Target: "m", Arguments: []interface{}{}})
			Consistently(func() int32 { return atomic.LoadInt32(&calls) }, 100*time.Millisecond).Should(Equal(int32(0)))
			_ = c.Stop()
		})
		It("should close the connection on a Sequence id ahead of the received count", func() {
			c, transport := statefulConn()
			closed := make(chan error, 1)
			c.OnClose(func(err error) { closed <- err })
			Expect(c.Start()).NotTo(HaveOccurred())
			transport.receiveFromServer(sequenceMessage{Type: messageTypeSequence, SequenceID: 17})
			var closeErr error
			Eventually(closed, time.Second).Should(Receive(&closeErr))
			var violation *SequenceViolationError
			Expect(errors.As(closeErr, &violation)).To(BeTrue())
		})
		It("should emit one coalesced Ack for inbound invocation messages", func() {
			c, transport := statefulConn()
			Expect(c.On("m", func() {})).NotTo(HaveOccurred())
			Expect(c.Start()).NotTo(HaveOccurred())
			buffer := c.(*conn).currentBuffer()
			Expect(buffer).NotTo(BeNil())
			buffer.mx.Lock()
			buffer.ackInterval = 20 * time.Millisecond
			buffer.mx.Unlock()
			transport.receiveFromServer(
				invocationMessage{Type: messageTypeInvocation, Target: "m", Arguments: []interface{}{}},
				invocationMessage{Type: messageTypeInvocation, Target: "m", Arguments: []interface{}{}},
			)
			var ack ackMessage
			Eventually(func() bool {
				sent := transport.nextSent(50 * time.Millisecond)
				if a, ok := sent.(ackMessage); ok {
					ack = a
					return true
				}
				return false
			}, time.Second).Should(BeTrue())
			Expect(ack.SequenceID).To(Equal(uint64(2)))
			_ = c.Stop()
		})
		It("should hold a send under backpressure until the ack arrives", func() {
			c, transport := statefulConn(StatefulReconnectBufferSize(10))
			Expect(c.Start()).NotTo(HaveOccurred())
			sendDone := make(chan error, 1)
			go func() { sendDone <- <-c.Send("quite a long method name", "and a payload") }()
			Expect(transport.nextSent(time.Second)).NotTo(BeNil())
			Consistently(sendDone, 100*time.Millisecond).ShouldNot(Receive())
			transport.receiveFromServer(ackMessage{Type: messageTypeAck, SequenceID: 1})
			Eventually(sendDone, time.Second).Should(Receive(BeNil()))
			_ = c.Stop()
		})
	})
})
