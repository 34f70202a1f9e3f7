package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"pkt.systems/lanptt"
	"pkt.systems/lanptt/internal/directory"
	"pkt.systems/lanptt/internal/floor"
	"pkt.systems/lanptt/internal/membership"
)

const consoleHelp = `commands:
  /talk      request the floor
  /release   release the floor
  /status    show cluster and floor state
  /peers     list known peers
  /help      show this help
anything else is sent as chat`

// nodeControl is the part of the engine the console drives.
type nodeControl interface {
	RequestFloor(ctx context.Context)
	ReleaseFloor(ctx context.Context)
	SendChat(text string) (int, error)
	Status() lanptt.Status
	Peers() []directory.Peer
}

// console reads commands and chat from in and prints engine events to out.
type console struct {
	in    io.Reader
	out   io.Writer
	mu    sync.Mutex
	audio atomic.Int64
}

var _ lanptt.Listener = (*console)(nil)

func newConsole(in io.Reader, out io.Writer) *console {
	return &console{in: in, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// Run handles input lines until in is exhausted or ctx is done.
func (c *console) Run(ctx context.Context, node nodeControl) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			c.handle(ctx, node, line)
		}
	}
}

func (c *console) handle(ctx context.Context, node nodeControl, line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	switch strings.TrimSpace(line) {
	case "/talk":
		node.RequestFloor(ctx)
	case "/release":
		node.ReleaseFloor(ctx)
	case "/status":
		c.printStatus(node.Status())
	case "/peers":
		c.printPeers(node.Peers())
	case "/help":
		c.printf("%s", consoleHelp)
	default:
		if strings.HasPrefix(line, "/") {
			c.printf("! unknown command %s (try /help)", strings.Fields(line)[0])
			return
		}
		if _, err := node.SendChat(line); err != nil {
			c.printf("! chat: %v", err)
		}
	}
}

func (c *console) printStatus(st lanptt.Status) {
	role := "peer"
	if st.Cluster.IsLeader() {
		role = "leader"
	}
	owner := st.FloorOwner
	if owner == "" {
		owner = "free"
	}
	c.printf("node %s (%s) on %s, %s mode", st.NodeID, st.Name, st.Listen, st.FloorMode)
	c.printf("cluster: %s, leader %s, %d active, term %d", role, st.Cluster.LeaderID, st.Cluster.ActiveMembers, st.Cluster.Term)
	c.printf("floor: %s, phase %s, version %d, queue %v", owner, st.FloorPhase, st.FloorVersion, st.Queue)
	c.printf("sessions: %d, audio frames received: %d", len(st.Sessions), c.audio.Load())
}

func (c *console) printPeers(peers []directory.Peer) {
	if len(peers) == 0 {
		c.printf("no peers")
		return
	}
	for _, p := range peers {
		state := "down"
		if p.Connected {
			state = "up"
		}
		name := p.Name
		if name == "" {
			name = "-"
		}
		c.printf("%-4s %s:%d %s", state, p.Host, p.Port, name)
	}
}

func (c *console) OnAudio(samples []byte, host string) {
	c.audio.Add(1)
}

func (c *console) OnChat(text, host string) {
	c.printf("[%s] %s", host, text)
}

func (c *console) OnFloor(ev lanptt.FloorEvent) {
	switch ev.Kind {
	case lanptt.FloorOwnerChanged:
		if ev.Owner == "" {
			c.printf("* floor free (%s)", ev.Reason)
			return
		}
		c.printf("* floor taken by %s", ownerName(ev.Owner))
	case lanptt.FloorPhaseChanged:
		switch ev.Phase {
		case floor.PhaseHeld:
			c.printf("* you have the floor")
		case floor.PhasePending:
			c.printf("* waiting for the floor")
		default:
			c.printf("* floor released")
		}
	}
}

func (c *console) OnCluster(s membership.Status) {
	c.printf("* leader %s (%d active, term %d)", s.LeaderID, s.ActiveMembers, s.Term)
}

func (c *console) OnDegraded(capability string, err error) {
	c.printf("! %s unavailable: %v", capability, err)
}

func ownerName(owner string) string {
	if node, ok := floor.OwnerNode(owner); ok {
		return node
	}
	return owner
}
