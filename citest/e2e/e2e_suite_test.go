package e2e_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/telnet2/patchsync/citest/testutil"
)

// Shared by every test in the suite. Tests use unique channel names so they
// can run against one server.
var (
	testServer *testutil.TestServer
	client     *testutil.TestClient
	ctx        context.Context
)

func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "patchsync E2E")
}

var _ = BeforeSuite(func() {
	srv, err := testutil.StartTestServer(
		testutil.WithHeartbeat(150*time.Millisecond),
		testutil.WithHistorySize(64),
	)
	Expect(err).NotTo(HaveOccurred(), "start test server")
	DeferCleanup(srv.Stop)

	testServer, client, ctx = srv, srv.Client(), context.Background()
})
