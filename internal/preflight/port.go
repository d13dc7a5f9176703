// Package preflight checks the host before the backend server is launched.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/samber/lo"
	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// ErrBindFailed is returned by CheckPort when the port cannot be bound for a
// reason other than another listener holding it.
var ErrBindFailed = errors.New("port cannot be bound")

// PortOwner is a process listening on a port.
type PortOwner struct {
	PID  int32  `json:"pid"`
	Name string `json:"name,omitempty"`
}

// PortReport is the result of CheckPort.
type PortReport struct {
	Host   string      `json:"host"`
	Port   int         `json:"port"`
	Free   bool        `json:"free"`
	Owners []PortOwner `json:"owners,omitempty"`
}

func (r PortReport) String() string {
	if r.Free {
		return fmt.Sprintf("port %d is free", r.Port)
	}
	if len(r.Owners) == 0 {
		return fmt.Sprintf("port %d is in use by an unknown process", r.Port)
	}
	names := lo.Map(r.Owners, func(o PortOwner, _ int) string {
		if o.Name == "" {
			return strconv.Itoa(int(o.PID))
		}
		return fmt.Sprintf("%s (pid %d)", o.Name, o.PID)
	})
	return fmt.Sprintf("port %d is in use by %v", r.Port, names)
}

// Checker inspects ports and the processes owning them.
type Checker struct {
	Logger *zap.Logger

	listen      func(network, address string) (net.Listener, error)
	listConns   func(ctx context.Context) ([]gnet.ConnectionStat, error)
	processName func(ctx context.Context, pid int32) (string, error)
	terminate   func(ctx context.Context, pid int32) error
}

// NewChecker returns a Checker backed by the host's process table.
func NewChecker(logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		Logger: logger.Named("preflight"),
		listen: net.Listen,
		listConns: func(ctx context.Context) ([]gnet.ConnectionStat, error) {
			return gnet.ConnectionsWithContext(ctx, "tcp")
		},
		processName: func(ctx context.Context, pid int32) (string, error) {
			p, err := process.NewProcessWithContext(ctx, pid)
			if err != nil {
				return "", err
			}
			return p.NameWithContext(ctx)
		},
		terminate: func(ctx context.Context, pid int32) error {
			p, err := process.NewProcessWithContext(ctx, pid)
			if err != nil {
				return err
			}
			return p.TerminateWithContext(ctx)
		},
	}
}

// CheckPort reports whether host:port can be bound and, if not, who holds it.
// Bind errors other than EADDRINUSE wrap ErrBindFailed.
func (c *Checker) CheckPort(ctx context.Context, host string, port int) (PortReport, error) {
	report := PortReport{Host: host, Port: port}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := c.listen("tcp", addr)
	if err == nil {
		_ = ln.Close()
		report.Free = true
		c.Logger.Info("port available", zap.Int("port", port))
		return report, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		c.Logger.Error("port cannot be bound", zap.String("addr", addr), zap.Error(err))
		return report, fmt.Errorf("%w: %s: %w", ErrBindFailed, addr, err)
	}

	conns, err := c.listConns(ctx)
	if err != nil {
		c.Logger.Warn("cannot list connections", zap.Error(err))
		return report, nil
	}
	listeners := lo.Filter(conns, func(cs gnet.ConnectionStat, _ int) bool {
		return cs.Status == "LISTEN" && int(cs.Laddr.Port) == port && cs.Pid > 0
	})
	pids := lo.Uniq(lo.Map(listeners, func(cs gnet.ConnectionStat, _ int) int32 { return cs.Pid }))
	for _, pid := range pids {
		owner := PortOwner{PID: pid}
		if name, err := c.processName(ctx, pid); err == nil {
			owner.Name = name
		}
		report.Owners = append(report.Owners, owner)
	}
	c.Logger.Warn("port in use", zap.Int("port", port), zap.Any("owners", report.Owners))
	return report, nil
}

// FreePort terminates the owners found by CheckPort and waits for the port
// to become bindable.
func (c *Checker) FreePort(ctx context.Context, report PortReport, wait time.Duration) (PortReport, error) {
	if report.Free {
		return report, nil
	}
	if len(report.Owners) == 0 {
		return report, fmt.Errorf("port %d is in use but its owner is unknown", report.Port)
	}
	var errs []error
	for _, o := range report.Owners {
		if err := c.terminate(ctx, o.PID); err != nil {
			errs = append(errs, fmt.Errorf("terminating pid %d: %w", o.PID, err))
			continue
		}
		c.Logger.Info("terminated port owner", zap.Int32("pid", o.PID), zap.String("name", o.Name))
	}
	if err := errors.Join(errs...); err != nil {
		return report, err
	}

	deadline := time.Now().Add(wait)
	for {
		next, err := c.CheckPort(ctx, report.Host, report.Port)
		if err != nil || next.Free || time.Now().After(deadline) {
			return next, err
		}
		select {
		case <-ctx.Done():
			return next, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
