package e2e_test

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/telnet2/patchsync/citest/testutil"
	"github.com/telnet2/patchsync/internal/broadcast"
	patchclient "github.com/telnet2/patchsync/internal/client"
	"github.com/telnet2/patchsync/internal/hub"
	"github.com/telnet2/patchsync/internal/patch"
	"github.com/telnet2/patchsync/pkg/types"
)

// follow applies patch events of channel id until want frames arrived and
// returns the resulting document and last sequence.
func follow(sse *testutil.SSEClient, id string, doc any, want int) (any, uint64) {
	var seq uint64
	for i := 0; i < want; i++ {
		evt, err := sse.WaitForEvent(id, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		sp, err := evt.Patch()
		Expect(err).NotTo(HaveOccurred())
		if evt.ID != "" {
			Expect(evt.ID).To(Equal(strconv.FormatUint(sp.Sequence, 10)))
		}
		if !sp.Resync && seq != 0 {
			Expect(sp.Sequence).To(Equal(seq+1), "sequence gap")
		}
		doc, err = patch.Apply(doc, sp.Patch)
		Expect(err).NotTo(HaveOccurred())
		seq = sp.Sequence
	}
	return doc, seq
}

var _ = Describe("Patch Streams", func() {
	var (
		id     string
		sse    *testutil.SSEClient
		cancel context.CancelFunc
		sctx   context.Context
	)

	BeforeEach(func() {
		id = testutil.ChannelName("todos")
		_, err := client.RegisterChannel(ctx, id, testutil.TodoStep(0))
		Expect(err).NotTo(HaveOccurred())

		sse = testServer.SSEClient()
		sctx, cancel = context.WithCancel(ctx)
	})

	AfterEach(func() {
		cancel()
		sse.Close()
		client.Delete(ctx, "/channel/"+id)
	})

	Describe("Server-Sent Events", func() {
		It("should start with a snapshot and then deliver every patch in order", func() {
			Expect(sse.Connect(sctx, "/channel/"+id+"/sse")).To(Succeed())

			doc, seq := follow(sse, id, nil, 1)
			Expect(seq).To(BeZero())
			Expect(doc).To(Equal(testutil.Normalized(testutil.TodoStep(0))))

			for step := 1; step <= 20; step++ {
				_, err := client.Publish(ctx, id, testutil.TodoStep(step))
				Expect(err).NotTo(HaveOccurred())
			}

			doc, seq = follow(sse, id, doc, 20)
			Expect(seq).To(Equal(uint64(20)))
			Expect(doc).To(Equal(testutil.Normalized(testutil.TodoStep(20))))
		})

		It("should resume from Last-Event-ID without a snapshot", func() {
			for step := 1; step <= 5; step++ {
				_, err := client.Publish(ctx, id, testutil.TodoStep(step))
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(sse.Connect(sctx, "/channel/"+id+"/sse", testutil.WithHeader("Last-Event-ID", "2"))).To(Succeed())

			for want := uint64(3); want <= 5; want++ {
				evt, err := sse.WaitForEvent(id, 5*time.Second)
				Expect(err).NotTo(HaveOccurred())
				sp, err := evt.Patch()
				Expect(err).NotTo(HaveOccurred())
				Expect(sp.Resync).To(BeFalse())
				Expect(sp.Sequence).To(Equal(want))
			}
		})

		It("should multiplex several channels on one stream", func() {
			other := testutil.ChannelName("count")
			_, err := client.RegisterChannel(ctx, other, 0)
			Expect(err).NotTo(HaveOccurred())
			defer client.Delete(ctx, "/channel/"+other)

			Expect(sse.Connect(sctx, "/sse?channel="+id+"&channel="+other)).To(Succeed())

			_, err = sse.WaitForEvent(id, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			_, err = sse.WaitForEvent(other, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			_, err = client.Publish(ctx, other, 1)
			Expect(err).NotTo(HaveOccurred())

			evt, err := sse.WaitForEvent(other, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(evt.ID).To(BeEmpty())
			sp, err := evt.Patch()
			Expect(err).NotTo(HaveOccurred())
			Expect(sp.Sequence).To(Equal(uint64(1)))
		})

		It("should send heartbeats on idle streams", func() {
			Expect(sse.Connect(sctx, "/channel/"+id+"/sse")).To(Succeed())
			Expect(sse.WaitForHeartbeat(2 * time.Second)).To(Succeed())
		})
	})

	Describe("Fan-out", func() {
		It("should converge every replica to the final value", func() {
			const replicas = 10
			const steps = 100

			rctx, rcancel := context.WithCancel(ctx)
			defer rcancel()

			var wg sync.WaitGroup
			followers := make([]*patchclient.Replica, replicas)
			for i := range followers {
				r := patchclient.New(testServer.BaseURL, id, patchclient.Options{
					InitialInterval: 10 * time.Millisecond,
				})
				followers[i] = r
				wg.Add(1)
				go func() {
					defer wg.Done()
					r.Run(rctx)
				}()
				Expect(r.Wait(rctx)).To(Succeed())
			}

			for step := 1; step <= steps; step++ {
				_, err := client.Publish(ctx, id, testutil.TodoStep(step))
				Expect(err).NotTo(HaveOccurred())
			}

			want := testutil.Normalized(testutil.TodoStep(steps))
			for _, r := range followers {
				Eventually(func() uint64 {
					seq, _ := r.Sequence()
					return seq
				}, 5*time.Second, 10*time.Millisecond).Should(Equal(uint64(steps)))
				Expect(r.Value()).To(Equal(want))
			}

			rcancel()
			wg.Wait()
		})

		It("should not let a stalled session hold back the producer or others", func() {
			stalled, err := testServer.Hub.Subscribe(ctx, id, hub.SubscribeOptions{QueueCapacity: 2})
			Expect(err).NotTo(HaveOccurred())
			defer stalled.Close()

			Expect(sse.Connect(sctx, "/channel/"+id+"/sse")).To(Succeed())
			doc, _ := follow(sse, id, nil, 1)

			for step := 1; step <= 50; step++ {
				_, err := client.Publish(ctx, id, testutil.TodoStep(step))
				Expect(err).NotTo(HaveOccurred())
			}

			doc, seq := follow(sse, id, doc, 50)
			Expect(seq).To(Equal(uint64(50)))
			Expect(doc).To(Equal(testutil.Normalized(testutil.TodoStep(50))))

			Expect(stalled.State()).To(Equal(types.StateDraining))
			batch, err := stalled.Drain()
			Expect(err).NotTo(HaveOccurred())
			Expect(batch).To(HaveLen(1))
			Expect(batch[0].Resync).To(BeTrue())
			Expect(batch[0].Sequence).To(Equal(uint64(50)))
			Expect(stalled.Info().Resyncs).To(Equal(1))
		})

		It("should close sessions of an unregistered channel", func() {
			s, err := testServer.Hub.Subscribe(ctx, id, hub.SubscribeOptions{})
			Expect(err).NotTo(HaveOccurred())

			Expect(client.UnregisterChannel(ctx, id)).To(Succeed())
			Eventually(s.Done(), time.Second).Should(BeClosed())
			_, err = s.Drain()
			Expect(err).To(MatchError(broadcast.ErrSessionClosed))
		})
	})

	Describe("WebSocket", func() {
		It("should stream patches and record client acks", func() {
			conn, _, err := websocket.DefaultDialer.Dial(testServer.WebSocketURL(id), nil)
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))

			var sp types.SequencedPatch
			Expect(conn.ReadJSON(&sp)).To(Succeed())
			Expect(sp.Resync).To(BeTrue())

			_, err = client.Publish(ctx, id, testutil.TodoStep(1))
			Expect(err).NotTo(HaveOccurred())

			sp = types.SequencedPatch{}
			Expect(conn.ReadJSON(&sp)).To(Succeed())
			Expect(sp.Sequence).To(Equal(uint64(1)))

			Expect(conn.WriteJSON(map[string]any{"type": "ack", "sequence": 1})).To(Succeed())
			Eventually(func() uint64 {
				sessions, err := client.Sessions(ctx, id)
				if err != nil || len(sessions) != 1 {
					return 0
				}
				return sessions[0].LastAcked
			}, 2*time.Second, 20*time.Millisecond).Should(Equal(uint64(1)))
		})
	})

	Describe("Lifecycle events", func() {
		It("should report channel and session events", func() {
			events := testServer.SSEClient()
			ectx, ecancel := context.WithCancel(ctx)
			defer func() {
				ecancel()
				events.Close()
			}()
			Expect(events.Connect(ectx, "/event")).To(Succeed())

			other := testutil.ChannelName("events")
			_, err := client.RegisterChannel(ctx, other, 0)
			Expect(err).NotTo(HaveOccurred())
			defer client.Delete(ctx, "/channel/"+other)

			_, err = events.WaitForEvent("channel.created", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())

			Expect(sse.Connect(sctx, "/channel/"+other+"/sse")).To(Succeed())
			_, err = events.WaitForEvent("session.opened", 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
