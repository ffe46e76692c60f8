package e2e_test

import (
	"encoding/json"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/telnet2/patchsync/citest/testutil"
	"github.com/telnet2/patchsync/internal/server"
	"github.com/telnet2/patchsync/pkg/types"
)

var _ = Describe("Channel API", func() {
	var id string

	BeforeEach(func() {
		id = testutil.ChannelName("todos")
	})

	AfterEach(func() {
		client.Delete(ctx, "/channel/"+id)
	})

	It("should register a channel at sequence zero", func() {
		info, err := client.RegisterChannel(ctx, id, testutil.TodoStep(0))
		Expect(err).NotTo(HaveOccurred())
		Expect(info.ID).To(Equal(id))
		Expect(info.Sequence).To(BeZero())

		snap, err := client.Snapshot(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Value).To(Equal(testutil.Normalized(testutil.TodoStep(0))))
	})

	It("should reject registering twice", func() {
		_, err := client.RegisterChannel(ctx, id, 0)
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Put(ctx, "/channel/"+id, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		Expect(resp.ErrorCode()).To(Equal(server.ErrCodeConflict))
	})

	It("should return the patch of each publish", func() {
		_, err := client.RegisterChannel(ctx, id, testutil.TodoStep(0))
		Expect(err).NotTo(HaveOccurred())

		for step := 1; step <= 5; step++ {
			out, err := client.Publish(ctx, id, testutil.TodoStep(step))
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Changed).To(BeTrue())
			Expect(out.Sequence).To(Equal(uint64(step)))
			Expect(out.Patch).NotTo(BeEmpty())
		}

		snap, err := client.Snapshot(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Sequence).To(Equal(uint64(5)))
		Expect(snap.Value).To(Equal(testutil.Normalized(testutil.TodoStep(5))))
	})

	It("should not advance the sequence for an identical value", func() {
		_, err := client.RegisterChannel(ctx, id, testutil.TodoStep(3))
		Expect(err).NotTo(HaveOccurred())

		out, err := client.Publish(ctx, id, testutil.TodoStep(3))
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Changed).To(BeFalse())
		Expect(out.Sequence).To(BeZero())
	})

	It("should reject malformed values and keep the snapshot", func() {
		_, err := client.RegisterChannel(ctx, id, testutil.TodoStep(1))
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Post(ctx, "/channel/"+id, json.RawMessage(`{"owner":`))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))
		Expect(resp.ErrorCode()).To(Equal(server.ErrCodeMalformedSnapshot))

		// Changing the root kind is rejected too.
		resp, err = client.Post(ctx, "/channel/"+id, []int{1})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusUnprocessableEntity))

		snap, err := client.Snapshot(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Sequence).To(BeZero())
	})

	It("should create a channel on first publish", func() {
		out, err := client.Publish(ctx, id, map[string]int{"n": 1})
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Sequence).To(Equal(uint64(1)))

		resp, err := client.Get(ctx, "/channel")
		Expect(err).NotTo(HaveOccurred())
		var channels []types.ChannelInfo
		Expect(resp.JSON(&channels)).To(Succeed())

		ids := make([]string, 0, len(channels))
		for _, c := range channels {
			ids = append(ids, c.ID)
		}
		Expect(ids).To(ContainElement(id))
	})

	It("should forget unregistered channels", func() {
		_, err := client.RegisterChannel(ctx, id, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(client.UnregisterChannel(ctx, id)).To(Succeed())

		resp, err := client.Get(ctx, "/channel/"+id)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		Expect(resp.ErrorCode()).To(Equal(server.ErrCodeNotFound))
	})

	It("should report health and metrics", func() {
		_, err := client.Publish(ctx, id, 1)
		Expect(err).NotTo(HaveOccurred())

		resp, err := client.Get(ctx, "/health")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.IsSuccess()).To(BeTrue())

		resp, err = client.Get(ctx, "/metrics")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.String()).To(ContainSubstring("patchsync_publishes_total"))
		Expect(resp.String()).To(ContainSubstring("patchsync_channels"))
	})
})
