package e2e_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/telnet2/patchsync/citest/testutil"
	"github.com/telnet2/patchsync/internal/patch"
)

var _ = Describe("Persistence", func() {
	var dir *testutil.TempDir

	BeforeEach(func() {
		var err error
		dir, err = testutil.NewTempDir()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		dir.Cleanup()
	})

	It("should continue sequences after a restart", func() {
		first, err := testutil.StartTestServer(testutil.WithPersistence(dir.Path))
		Expect(err).NotTo(HaveOccurred())

		api := first.Client()
		id := testutil.ChannelName("persist")
		for step := 1; step <= 3; step++ {
			_, err := api.Publish(ctx, id, testutil.TodoStep(step))
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(first.Stop()).To(Succeed())

		second, err := testutil.StartTestServer(testutil.WithPersistence(dir.Path))
		Expect(err).NotTo(HaveOccurred())
		defer second.Stop()

		api = second.Client()
		snap, err := api.Snapshot(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Sequence).To(Equal(uint64(3)))
		Expect(testutil.Normalized(snap.Value)).To(Equal(testutil.Normalized(testutil.TodoStep(3))))

		sse := second.SSEClient()
		sctx, cancel := context.WithCancel(ctx)
		defer func() {
			cancel()
			sse.Close()
		}()
		Expect(sse.Connect(sctx, "/channel/"+id+"/sse")).To(Succeed())

		evt, err := sse.WaitForEvent(id, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		sp, err := evt.Patch()
		Expect(err).NotTo(HaveOccurred())
		Expect(sp.Resync).To(BeTrue())
		doc, err := patch.Apply(nil, sp.Patch)
		Expect(err).NotTo(HaveOccurred())

		resp, err := api.Publish(ctx, id, testutil.TodoStep(4))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Sequence).To(Equal(uint64(4)))

		evt, err = sse.WaitForEvent(id, 5*time.Second)
		Expect(err).NotTo(HaveOccurred())
		sp, err = evt.Patch()
		Expect(err).NotTo(HaveOccurred())
		Expect(sp.Sequence).To(Equal(uint64(4)))
		doc, err = patch.Apply(doc, sp.Patch)
		Expect(err).NotTo(HaveOccurred())
		Expect(doc).To(Equal(testutil.Normalized(testutil.TodoStep(4))))
	})

	It("should forget unregistered channels", func() {
		first, err := testutil.StartTestServer(testutil.WithPersistence(dir.Path))
		Expect(err).NotTo(HaveOccurred())

		api := first.Client()
		id := testutil.ChannelName("gone")
		_, err = api.RegisterChannel(ctx, id, map[string]any{"n": 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(api.UnregisterChannel(ctx, id)).To(Succeed())
		Expect(first.Stop()).To(Succeed())

		second, err := testutil.StartTestServer(testutil.WithPersistence(dir.Path))
		Expect(err).NotTo(HaveOccurred())
		defer second.Stop()

		resp, err := second.Client().Get(ctx, "/channel/"+id)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(404))
	})
})
