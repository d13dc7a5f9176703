package preflight

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"
	"time"

	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeChecker(conns []gnet.ConnectionStat) *Checker {
	c := NewChecker(nil)
	c.listConns = func(context.Context) ([]gnet.ConnectionStat, error) { return conns, nil }
	c.processName = func(_ context.Context, pid int32) (string, error) {
		if pid == 4242 {
			return "uvicorn", nil
		}
		return "", errors.New("no such process")
	}
	return c
}

func TestCheckPort_Free(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	r, err := fakeChecker(nil).CheckPort(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	assert.True(t, r.Free)
	assert.Empty(t, r.Owners)
	assert.Contains(t, r.String(), "is free")
}

func TestCheckPort_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	conns := []gnet.ConnectionStat{
		{Status: "LISTEN", Laddr: gnet.Addr{IP: "127.0.0.1", Port: uint32(port)}, Pid: 4242},
		{Status: "LISTEN", Laddr: gnet.Addr{IP: "::1", Port: uint32(port)}, Pid: 4242},
		{Status: "ESTABLISHED", Laddr: gnet.Addr{IP: "127.0.0.1", Port: uint32(port)}, Pid: 7},
		{Status: "LISTEN", Laddr: gnet.Addr{IP: "127.0.0.1", Port: 1}, Pid: 8},
	}
	r, err := fakeChecker(conns).CheckPort(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	assert.False(t, r.Free)
	require.Len(t, r.Owners, 1)
	assert.Equal(t, PortOwner{PID: 4242, Name: "uvicorn"}, r.Owners[0])
	assert.Contains(t, r.String(), "uvicorn (pid 4242)")
}

func TestCheckPort_BindErrorIsNotInUse(t *testing.T) {
	conns := []gnet.ConnectionStat{{Status: "LISTEN", Laddr: gnet.Addr{IP: "0.0.0.0", Port: 80}, Pid: 4242}}
	c := fakeChecker(conns)
	c.listen = func(network, address string) (net.Listener, error) {
		return nil, &net.OpError{Op: "listen", Net: network, Err: os.NewSyscallError("bind", syscall.EACCES)}
	}

	r, err := c.CheckPort(context.Background(), "0.0.0.0", 80)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBindFailed)
	assert.ErrorIs(t, err, syscall.EACCES)
	assert.Contains(t, err.Error(), "0.0.0.0:80")
	assert.False(t, r.Free)
	assert.Empty(t, r.Owners)
}

func TestCheckPort_AddrInUseListsOwners(t *testing.T) {
	conns := []gnet.ConnectionStat{{Status: "LISTEN", Laddr: gnet.Addr{IP: "0.0.0.0", Port: 8000}, Pid: 4242}}
	c := fakeChecker(conns)
	c.listen = func(network, address string) (net.Listener, error) {
		return nil, &net.OpError{Op: "listen", Net: network, Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
	}

	r, err := c.CheckPort(context.Background(), "0.0.0.0", 8000)
	require.NoError(t, err)
	assert.False(t, r.Free)
	assert.Equal(t, []PortOwner{{PID: 4242, Name: "uvicorn"}}, r.Owners)
}

func TestFreePort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	c := fakeChecker(nil)
	var terminated []int32
	c.terminate = func(_ context.Context, pid int32) error {
		terminated = append(terminated, pid)
		return ln.Close()
	}

	report := PortReport{Host: "127.0.0.1", Port: port, Owners: []PortOwner{{PID: 4242}}}
	next, err := c.FreePort(context.Background(), report, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, next.Free)
	assert.Equal(t, []int32{4242}, terminated)
}

func TestFreePort_UnknownOwner(t *testing.T) {
	_, err := fakeChecker(nil).FreePort(context.Background(), PortReport{Port: 8000}, time.Second)
	assert.Error(t, err)
}

func TestProbeCompanions(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ok.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	down := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	results := fakeChecker(nil).ProbeCompanions(context.Background(), &http.Client{Timeout: time.Second}, []Companion{
		{Name: "rasa", URL: ok.URL},
		{Name: "proxy", URL: broken.URL},
		{Name: "down", URL: down},
	})
	require.Len(t, results, 3)
	assert.True(t, results[0].Reachable)
	assert.Equal(t, http.StatusNotFound, results[0].Status)
	assert.False(t, results[1].Reachable)
	assert.Equal(t, http.StatusBadGateway, results[1].Status)
	assert.False(t, results[2].Reachable)
	assert.NotEmpty(t, results[2].Error)
}
