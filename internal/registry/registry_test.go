package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRefusesLocalAddr(t *testing.T) {
	r := New("10.0.0.1:9000")
	r.Add("10.0.0.1:9000", false, false)
	assert.Equal(t, 0, r.Len())
}

func TestAddIsIdempotent(t *testing.T) {
	r := New("local:1")
	r.Add("peer:1", false, false)
	r.Add("peer:1", false, false)
	assert.Equal(t, 1, r.Len())
}

func TestStubForGatesBySurface(t *testing.T) {
	r := New("local:1")
	r.Add("peer:1", false, false)

	assert.Equal(t, "http://peer:1", r.StubFor("peer:1", SurfaceNode))
	assert.Empty(t, r.StubFor("peer:1", SurfaceMaster))
	assert.Empty(t, r.StubFor("peer:1", SurfaceWorker))

	r.SetMasterStub("peer:1", true)
	assert.Equal(t, "http://peer:1", r.StubFor("peer:1", SurfaceMaster))

	r.SetMasterStub("peer:1", false)
	assert.Empty(t, r.StubFor("peer:1", SurfaceMaster))
}

func TestSetWorkerStubsReplacesSet(t *testing.T) {
	r := New("local:1")
	r.Add("peer:1", false, false)
	r.Add("peer:2", false, false)
	r.Add("peer:3", false, false)

	r.SetWorkerStubs([]string{"peer:1", "peer:3"})
	assert.ElementsMatch(t, []string{"peer:1", "peer:3"}, r.WorkerAddrs())

	r.SetWorkerStubs([]string{"peer:2"})
	assert.ElementsMatch(t, []string{"peer:2"}, r.WorkerAddrs())
}

func TestRemoveEvictsPeer(t *testing.T) {
	r := New("local:1")
	r.Add("peer:1", false, false)
	require.Equal(t, 1, r.Len())
	r.Remove("peer:1")
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.StubFor("peer:1", SurfaceNode))
}

func TestAddrsSorted(t *testing.T) {
	r := New("local:1")
	r.Add("zeta:1", false, false)
	r.Add("alpha:1", false, false)
	assert.Equal(t, []string{"alpha:1", "zeta:1"}, r.Addrs())
}

func TestIsReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"is_master_known":false}`))
	}))
	defer srv.Close()

	addr := srv.Listener.Addr().String()
	r := New("local:1")
	r.Add(addr, false, false)

	assert.True(t, r.IsReachable(context.Background(), addr))
	assert.False(t, r.IsReachable(context.Background(), "127.0.0.1:1"))
}
