package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/corvino/fieldchat/internal/backoff"
	"github.com/corvino/fieldchat/internal/heartbeat"
	"github.com/corvino/fieldchat/internal/history"
	"github.com/corvino/fieldchat/internal/protocol"
	"github.com/corvino/fieldchat/internal/transport"
	"github.com/jonboulle/clockwork"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Controller", func() {
	var (
		clock   *clockwork.FakeClock
		factory *fakeFactory
		rec     *recorder
		store   *history.MemoryStore
		cfg     Config
		ctrl    *Controller
	)

	start := func() {
		var err error
		ctrl, err = New(cfg, rec,
			WithClock(clock),
			WithSessionFactory(factory.New),
			WithStore(store),
		)
		Expect(err).NotTo(HaveOccurred())
	}

	// connect drives the controller into Connected on a new fake session.
	connect := func() *fakeSession {
		before := factory.count()
		ctrl.Connect()
		Eventually(factory.count).Should(Equal(before + 1))
		s := factory.last()
		s.open()
		Eventually(ctrl.State).Should(Equal(Connected))
		return s
	}

	attempts := func() int { return ctrl.Stats().ReconnectAttempts }

	BeforeEach(func() {
		clock = clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
		factory = &fakeFactory{}
		rec = &recorder{}
		store = history.NewMemoryStore()
		cfg = DefaultConfig("http://relay.test", "dev-1", "rec-1")
	})

	AfterEach(func() {
		if ctrl != nil {
			ctrl.ClosePermanently()
			ctrl = nil
		}
	})

	Describe("New", func() {
		It("rejects an incomplete config", func() {
			_, err := New(Config{ServerURL: "http://relay.test"}, rec)
			Expect(err).To(MatchError(ContainSubstring("device id is required")))
		})

		It("stays disconnected until asked to connect", func() {
			start()
			Consistently(factory.count, 50*time.Millisecond).Should(BeZero())
			Expect(ctrl.State()).To(Equal(Disconnected))
		})
	})

	Describe("connecting", func() {
		BeforeEach(start)

		It("opens the session with identity in path, query and headers", func() {
			ctrl.Connect()
			Eventually(factory.count).Should(Equal(1))
			endpoint, header := factory.last().openedWith()
			Expect(endpoint).To(Equal("ws://relay.test/ws/chat/dev-1/rec-1?device_id=dev-1"))
			Expect(header.Get(transport.HeaderDeviceID)).To(Equal("dev-1"))
			Expect(header.Get(transport.HeaderAltDeviceID)).To(Equal("dev-1"))
		})

		It("reports connected once the session opens", func() {
			connect()
			Eventually(rec.lastState).Should(Equal(stateChange{true, "connected"}))
			Expect(attempts()).To(BeZero())
		})

		It("ignores Connect while a session is already open", func() {
			connect()
			ctrl.Connect()
			settle(ctrl)
			Expect(factory.count()).To(Equal(1))
		})

		It("gives up on a session that never opens", func() {
			ctrl.Connect()
			Eventually(factory.count).Should(Equal(1))
			settle(ctrl)

			clock.Advance(cfg.ConnectTimeout)

			Eventually(ctrl.State).Should(Equal(Disconnected))
			Expect(factory.last().isClosed()).To(BeTrue())
			Expect(attempts()).To(Equal(1))
			Expect(ctrl.Stats().LastFailure).To(Equal(FailureConnectTimeout))
			Eventually(rec.lastState).Should(HaveField("Detail", ContainSubstring("connect timeout")))
		})

		It("treats a failed dial as a transport open failure and retries", func() {
			ctrl.Connect()
			Eventually(factory.count).Should(Equal(1))
			factory.last().fail(fmt.Errorf("dial: connection refused"))

			Eventually(ctrl.State).Should(Equal(Disconnected))
			Expect(ctrl.Stats().LastFailure).To(Equal(FailureTransportOpen))
			Expect(attempts()).To(Equal(1))

			clock.Advance(cfg.Backoff.NextDelay(1))
			Eventually(factory.count).Should(Equal(2))
		})
	})

	Describe("sending", func() {
		BeforeEach(start)

		It("transmits directly while connected", func() {
			s := connect()
			msg, ok := ctrl.Send("hello")
			Expect(ok).To(BeTrue())
			Expect(msg.Sender).To(Equal("dev-1"))
			Expect(msg.HasID()).To(BeFalse())
			Expect(msg.Historical).To(BeFalse())

			Eventually(s.chatBodies).Should(Equal([]string{"hello"}))
			Expect(rec.queuedBodies()).To(BeEmpty())
		})

		It("ignores blank text", func() {
			_, ok := ctrl.Send("   ")
			Expect(ok).To(BeFalse())
			settle(ctrl)
			Expect(ctrl.Stats().Queued).To(BeZero())
		})

		It("queues while offline and drains in order after connecting", func() {
			for _, body := range []string{"a", "b", "c"} {
				ctrl.Send(body)
			}
			Eventually(rec.queuedBodies).Should(Equal([]string{"a", "b", "c"}))
			Expect(ctrl.Stats().Queued).To(Equal(3))

			s := connect()
			Eventually(s.chatBodies).Should(Equal([]string{"a"}))
			settle(ctrl)

			clock.Advance(cfg.DrainInterval)
			Eventually(s.chatBodies).Should(Equal([]string{"a", "b"}))
			settle(ctrl)

			clock.Advance(cfg.DrainInterval)
			Eventually(s.chatBodies).Should(Equal([]string{"a", "b", "c"}))
			Expect(ctrl.Stats().Queued).To(BeZero())
		})

		It("keeps order for sends made during a drain", func() {
			ctrl.Send("a")
			ctrl.Send("b")

			s := connect()
			Eventually(s.chatBodies).Should(Equal([]string{"a"}))
			ctrl.Send("c")
			settle(ctrl)

			clock.Advance(cfg.DrainInterval)
			Eventually(s.chatBodies).Should(Equal([]string{"a", "b"}))
			settle(ctrl)
			clock.Advance(cfg.DrainInterval)
			Eventually(s.chatBodies).Should(Equal([]string{"a", "b", "c"}))
		})

		It("keeps the untouched tail when the session drops mid-drain", func() {
			for _, body := range []string{"a", "b", "c"} {
				ctrl.Send(body)
			}
			s := connect()
			Eventually(s.chatBodies).Should(Equal([]string{"a"}))

			s.drop(1006, "abnormal closure")
			Eventually(ctrl.State).Should(Equal(Disconnected))
			Expect(ctrl.Stats().Queued).To(Equal(2))

			clock.Advance(cfg.DrainInterval)
			Consistently(s.chatBodies, 50*time.Millisecond).Should(Equal([]string{"a"}))

			settle(ctrl)
			clock.Advance(cfg.Backoff.NextDelay(1))
			Eventually(factory.count).Should(Equal(2))
			s2 := factory.last()
			s2.open()
			Eventually(s2.chatBodies).Should(Equal([]string{"b"}))
			settle(ctrl)
			clock.Advance(cfg.DrainInterval)
			Eventually(s2.chatBodies).Should(Equal([]string{"b", "c"}))
		})

		It("queues and retries when a live send fails", func() {
			s := connect()
			s.setSendErr(transport.ErrSendBufferFull)
			ctrl.Send("x")
			Eventually(rec.queuedBodies).Should(Equal([]string{"x"}))
			settle(ctrl)

			s.setSendErr(nil)
			clock.Advance(cfg.DrainInterval)
			Eventually(s.chatBodies).Should(Equal([]string{"x"}))
		})

		It("drops silently once the queue is full", func() {
			cfg.QueueCapacity = 2
			ctrl.ClosePermanently()
			start()

			ctrl.Send("a")
			ctrl.Send("b")
			ctrl.Send("c")
			settle(ctrl)

			Expect(ctrl.Stats().Queued).To(Equal(2))
			Eventually(rec.queuedBodies).Should(Equal([]string{"a", "b"}))
			Consistently(rec.queuedBodies, 50*time.Millisecond).Should(HaveLen(2))
		})

		It("does not record a message the full queue dropped", func() {
			cfg.QueueCapacity = 1
			ctrl.ClosePermanently()
			start()

			ctrl.Send("a")
			ctrl.Send("b-dropped")
			settle(ctrl)

			stored := func() []string {
				msgs, _ := store.LoadHistory(context.Background(), "rec-1")
				var out []string
				for _, m := range msgs {
					out = append(out, m.Body)
				}
				return out
			}
			Eventually(stored).Should(Equal([]string{"a"}))
			Consistently(stored, 50*time.Millisecond).Should(Equal([]string{"a"}))
		})

		It("records outgoing messages as unconfirmed device messages", func() {
			ctrl.Send("on site")
			Eventually(func() []protocol.ChatMessage {
				msgs, _ := store.LoadHistory(context.Background(), "rec-1")
				return msgs
			}).Should(ConsistOf(And(
				HaveField("Body", "on site"),
				HaveField("Kind", protocol.KindDevice),
				HaveField("ID", ""),
			)))
		})

		It("sends typing indicators only while connected", func() {
			ctrl.SendTyping()
			settle(ctrl)
			Expect(ctrl.Stats().Queued).To(BeZero())

			s := connect()
			ctrl.SendTyping()
			Eventually(func() int { return len(s.framesOf(protocol.FrameTyping)) }).Should(Equal(1))
		})
	})

	Describe("receiving", func() {
		var s *fakeSession

		BeforeEach(func() {
			start()
			s = connect()
		})

		It("delivers each server id at most once", func() {
			frame := `{"message":"check valve 3","sender_type":"admin","message_id":"m-1"}`
			s.receive(frame)
			s.receive(frame)
			s.receive(`{"message":"no id","sender_type":"admin"}`)
			s.receive(`{"message":"no id","sender_type":"admin"}`)

			Eventually(rec.bodies).Should(Equal([]string{"check valve 3", "no id", "no id"}))
			Consistently(rec.bodies, 50*time.Millisecond).Should(HaveLen(3))
			Expect(ctrl.Stats().Seen).To(Equal(1))
		})

		It("persists server-confirmed messages", func() {
			s.receive(`{"message":"copy that","sender_type":"admin","message_id":42,"timestamp":"2024-03-01T11:58:00Z"}`)
			Eventually(func() []protocol.ChatMessage {
				msgs, _ := store.LoadHistory(context.Background(), "rec-1")
				return msgs
			}).Should(ConsistOf(And(
				HaveField("ID", "42"),
				HaveField("Sender", "admin"),
				HaveField("Timestamp", "2024-03-01T11:58:00Z"),
			)))
		})

		It("keeps another device's sender in history", func() {
			s.receive(`{"message":"second unit here","sender_type":"device","device_id":"dev-2","message_id":"m-8","timestamp":"2024-03-01T11:59:00Z"}`)
			Eventually(rec.bodies).Should(Equal([]string{"second unit here"}))
			Eventually(func() []protocol.ChatMessage {
				msgs, _ := store.LoadHistory(context.Background(), "rec-1")
				return msgs
			}).Should(ConsistOf(And(
				HaveField("Kind", protocol.KindDevice),
				HaveField("Sender", "dev-2"),
				HaveField("Timestamp", "2024-03-01T11:59:00Z"),
			)))
		})

		It("confirms its own message when the server sends it back", func() {
			ctrl.Send("valve checked")
			Eventually(s.chatBodies).Should(Equal([]string{"valve checked"}))

			echo := `{"message":"valve checked","sender_type":"device","device_id":"dev-1","message_id":"2111306931581775872","is_historical":true}`
			s.receive(echo)
			s.receive(echo)

			Eventually(func() []protocol.ChatMessage {
				msgs, _ := store.LoadHistory(context.Background(), "rec-1")
				return msgs
			}).Should(ConsistOf(And(
				HaveField("Body", "valve checked"),
				HaveField("ID", "2111306931581775872"),
			)))
			Consistently(rec.bodies, 50*time.Millisecond).Should(BeEmpty())
			Expect(ctrl.Stats().Seen).To(Equal(1))
		})

		It("shows its own message from an earlier install once", func() {
			s.receive(`{"message":"from before","sender_type":"device","device_id":"dev-1","message_id":"m-2","is_historical":true}`)
			Eventually(rec.bodies).Should(Equal([]string{"from before"}))
			Eventually(func() []protocol.ChatMessage {
				msgs, _ := store.LoadHistory(context.Background(), "rec-1")
				return msgs
			}).Should(ConsistOf(HaveField("ID", "m-2")))
		})

		It("keeps housekeeping frames out of the UI", func() {
			s.receive(`{"message":"ping","sender_type":"admin"}`)
			s.receive(`{"message":"","sender_type":"admin"}`)
			s.receive("")
			Consistently(rec.bodies, 50*time.Millisecond).Should(BeEmpty())
		})

		It("shows non-JSON text as a system message", func() {
			s.receive("server restarting in 5 minutes")
			Eventually(rec.allMessages).Should(ConsistOf(And(
				HaveField("Body", "server restarting in 5 minutes"),
				HaveField("Kind", protocol.KindSystem),
			)))
		})

		It("answers heartbeat probes", func() {
			s.receive(`{"message":"ping","ping":true}`)
			Eventually(s.replies).Should(Equal(1))
		})

		It("surfaces typing indicators", func() {
			s.receive(`{"typing":true,"sender_type":"admin"}`)
			Eventually(rec.typingCount).Should(Equal(1))
		})
	})

	Describe("heartbeat", func() {
		BeforeEach(start)

		It("reconnects after an unanswered probe and drains nothing", func() {
			s := connect()
			ctrl.Send("hello")
			Eventually(s.chatBodies).Should(Equal([]string{"hello"}))

			clock.Advance(cfg.Heartbeat.Interval)
			Eventually(s.probes).Should(Equal(1))

			clock.Advance(cfg.Heartbeat.Timeout)
			Eventually(ctrl.State).Should(Equal(Disconnected))
			Eventually(rec.lastState).Should(HaveField("Connected", BeFalse()))
			Expect(rec.lastState().Detail).To(ContainSubstring("heartbeat timeout"))
			Expect(s.isClosed()).To(BeTrue())
			Expect(attempts()).To(Equal(1))

			clock.Advance(cfg.Backoff.NextDelay(1))
			Eventually(factory.count).Should(Equal(2))
			s2 := factory.last()
			s2.open()
			Eventually(ctrl.State).Should(Equal(Connected))
			Expect(attempts()).To(BeZero())
			Consistently(s2.chatBodies, 50*time.Millisecond).Should(BeEmpty())
		})

		It("keeps probing while replies arrive", func() {
			s := connect()
			for i := 1; i <= 3; i++ {
				clock.Advance(cfg.Heartbeat.Interval)
				Eventually(s.probes).Should(Equal(i))
				s.receive(`{"message":"pong","pong":true}`)
				settle(ctrl)
				Eventually(ctrl.hb.State).Should(Equal(heartbeat.Idle))
			}
			clock.Advance(cfg.Heartbeat.Timeout)
			Consistently(ctrl.State, 50*time.Millisecond).Should(Equal(Connected))
		})

		It("schedules exactly one reconnect per dead session", func() {
			s := connect()
			clock.Advance(cfg.Heartbeat.Interval)
			Eventually(s.probes).Should(Equal(1))
			clock.Advance(cfg.Heartbeat.Timeout)
			Eventually(ctrl.State).Should(Equal(Disconnected))

			// The transport noticing the same failure later changes nothing.
			s.drop(1006, "abnormal closure")
			settle(ctrl)
			Expect(attempts()).To(Equal(1))
		})
	})

	Describe("reconnection", func() {
		BeforeEach(func() {
			cfg.Backoff = backoff.Policy{Base: time.Second, Max: 4 * time.Second, CapExponent: 5, MaxAttempts: 2}
			start()
		})

		It("backs off according to the policy and gives up", func() {
			ctrl.Connect()
			for attempt := 1; attempt <= 2; attempt++ {
				Eventually(factory.count).Should(Equal(attempt))
				factory.last().fail(fmt.Errorf("dial: no route to host"))
				Eventually(attempts).Should(Equal(attempt))

				clock.Advance(cfg.Backoff.NextDelay(attempt) - time.Millisecond)
				Consistently(factory.count, 30*time.Millisecond).Should(Equal(attempt))
				clock.Advance(time.Millisecond)
			}

			Eventually(factory.count).Should(Equal(3))
			factory.last().fail(fmt.Errorf("dial: no route to host"))
			Eventually(rec.errors).Should(ConsistOf(ContainSubstring("giving up after 2")))

			clock.Advance(time.Minute)
			Consistently(factory.count, 50*time.Millisecond).Should(Equal(3))
		})

		It("resets the counter on a network change and connects at once", func() {
			s := connect()
			s.drop(1001, "going away")
			Eventually(attempts).Should(Equal(1))

			ctrl.NetworkChanged()
			Eventually(factory.count).Should(Equal(2))
			Expect(attempts()).To(BeZero())

			// The retry that was pending must not open a third session.
			factory.last().open()
			Eventually(ctrl.State).Should(Equal(Connected))
			clock.Advance(cfg.Backoff.NextDelay(1))
			Consistently(factory.count, 50*time.Millisecond).Should(Equal(2))
		})

		It("ignores events from a replaced session", func() {
			s := connect()
			s.drop(1001, "going away")
			Eventually(ctrl.State).Should(Equal(Disconnected))
			settle(ctrl)
			clock.Advance(cfg.Backoff.NextDelay(1))
			Eventually(factory.count).Should(Equal(2))

			s.receive(`{"message":"stale","sender_type":"admin","message_id":"old"}`)
			Consistently(rec.bodies, 50*time.Millisecond).Should(BeEmpty())
		})
	})

	Describe("authentication rejection", func() {
		BeforeEach(start)

		It("never retries a 403 close", func() {
			s := connect()
			s.drop(1000, "HTTP 403 Forbidden")

			Eventually(rec.errors).Should(ConsistOf(ContainSubstring("authentication rejected")))
			Expect(ctrl.Stats().LastFailure).To(Equal(FailureAuthRejected))
			Expect(attempts()).To(BeZero())

			clock.Advance(time.Hour)
			Consistently(factory.count, 50*time.Millisecond).Should(Equal(1))
		})

		It("never retries a refused handshake", func() {
			ctrl.Connect()
			Eventually(factory.count).Should(Equal(1))
			factory.last().fail(fmt.Errorf("dial: %w", transport.ErrAuthRejected))

			Eventually(rec.errors).Should(HaveLen(1))
			clock.Advance(time.Hour)
			Consistently(factory.count, 50*time.Millisecond).Should(Equal(1))
		})

		It("allows an explicit Connect afterwards", func() {
			s := connect()
			s.drop(4003, "")
			Eventually(ctrl.State).Should(Equal(Disconnected))

			connect()
			Expect(factory.count()).To(Equal(2))
		})
	})

	Describe("closing", func() {
		BeforeEach(start)

		It("waits for a closed session to release its connection", func() {
			s := connect()
			release := s.holdRelease()

			ctrl.ClosePermanently()
			Expect(s.closedGracefully()).To(BeTrue())

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			Expect(ctrl.Wait(ctx)).To(MatchError(context.DeadlineExceeded))

			release()
			Expect(ctrl.Wait(context.Background())).To(Succeed())
		})

		It("suppresses reconnection after a manual close", func() {
			s := connect()
			ctrl.Close()

			Eventually(ctrl.State).Should(Equal(Disconnected))
			Expect(s.closedGracefully()).To(BeTrue())
			Eventually(rec.lastState).Should(Equal(stateChange{false, "closed"}))

			clock.Advance(time.Hour)
			Consistently(factory.count, 50*time.Millisecond).Should(Equal(1))

			ctrl.Send("later")
			Eventually(rec.queuedBodies).Should(Equal([]string{"later"}))

			s2 := connect()
			Eventually(s2.chatBodies).Should(Equal([]string{"later"}))
		})

		It("cancels a pending retry on manual close", func() {
			s := connect()
			s.drop(1001, "going away")
			Eventually(attempts).Should(Equal(1))

			ctrl.Close()
			settle(ctrl)
			clock.Advance(time.Hour)
			Consistently(factory.count, 50*time.Millisecond).Should(Equal(1))
		})

		It("goes quiet for good after ClosePermanently", func() {
			s := connect()
			s.drop(1001, "going away")
			Eventually(attempts).Should(Equal(1))
			Eventually(rec.lastState).Should(HaveField("Connected", BeFalse()))

			ctrl.ClosePermanently()
			seen := rec.total()

			clock.Advance(time.Hour)
			_, ok := ctrl.Send("too late")
			Expect(ok).To(BeFalse())
			ctrl.Connect()
			ctrl.NetworkChanged()

			Consistently(factory.count, 50*time.Millisecond).Should(Equal(1))
			Expect(ctrl.State()).To(Equal(ClosedPermanently))
			Expect(rec.total()).To(Equal(seen))
		})

		It("cancels an in-flight connection attempt", func() {
			ctrl.Connect()
			Eventually(factory.count).Should(Equal(1))
			s := factory.last()

			ctrl.ClosePermanently()
			Expect(s.isClosed()).To(BeTrue())

			s.open()
			clock.Advance(time.Hour)
			Consistently(rec.connectedCount, 50*time.Millisecond).Should(BeZero())
		})
	})

	Describe("history bootstrap", func() {
		It("replays stored history once and dedups it against live traffic", func() {
			ctx := context.Background()
			Expect(store.SaveMessage(ctx, "rec-1", protocol.ChatMessage{Body: "earlier note", Kind: protocol.KindAdmin, Sender: "admin", ID: "m-0"})).To(Succeed())
			Expect(store.SaveMessage(ctx, "rec-1", protocol.ChatMessage{Body: "my reply", Kind: protocol.KindDevice, Sender: "dev-1"})).To(Succeed())
			Expect(store.SaveMessage(ctx, "rec-2", protocol.ChatMessage{Body: "elsewhere", Kind: protocol.KindAdmin, Sender: "admin", ID: "x-1"})).To(Succeed())

			start()
			ctrl.Start()

			Eventually(rec.allMessages).Should(HaveLen(2))
			for _, m := range rec.allMessages() {
				Expect(m.Historical).To(BeTrue())
			}

			Eventually(factory.count).Should(Equal(1))
			s := factory.last()
			s.open()
			Eventually(ctrl.State).Should(Equal(Connected))
			s.receive(`{"message":"earlier note","sender_type":"admin","message_id":"m-0","is_historical":true}`)
			s.receive(`{"message":"fresh","sender_type":"admin","message_id":"m-1"}`)

			Eventually(rec.bodies).Should(Equal([]string{"earlier note", "my reply", "fresh"}))
			Consistently(rec.bodies, 50*time.Millisecond).Should(HaveLen(3))
		})

		It("matches a stored unconfirmed send against the server's backfill", func() {
			ctx := context.Background()
			Expect(store.SaveMessage(ctx, "rec-1", protocol.ChatMessage{Body: "valve checked", Kind: protocol.KindDevice, Sender: "dev-1"})).To(Succeed())

			start()
			ctrl.Start()
			Eventually(rec.bodies).Should(Equal([]string{"valve checked"}))

			Eventually(factory.count).Should(Equal(1))
			s := factory.last()
			s.open()
			Eventually(ctrl.State).Should(Equal(Connected))
			s.receive(`{"message":"valve checked","sender_type":"device","device_id":"dev-1","message_id":"m-9","is_historical":true}`)

			Eventually(func() []protocol.ChatMessage {
				msgs, _ := store.LoadHistory(ctx, "rec-1")
				return msgs
			}).Should(ConsistOf(HaveField("ID", "m-9")))
			Consistently(rec.bodies, 50*time.Millisecond).Should(HaveLen(1))
		})
	})
})
