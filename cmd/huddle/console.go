package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/Operative-001/huddle/internal/group"
	"github.com/Operative-001/huddle/internal/node"
	"github.com/Operative-001/huddle/internal/peer"
	"github.com/Operative-001/huddle/internal/protocol"
)

const helpText = `
 Usage:
	create            create a new group
	join <peer>       join the group of a discovered peer (id or prefix)
	send <message>    send a message to the group
	peers             list discovered peers
	status            show identity and group state
	leave             drop the current group

	clear             clear the screen
	exit              exit the program
	help              display this help text
`

// core is the part of the node the console drives.
type core interface {
	ID() peer.ID
	Create() (group.Group, error)
	Join(ctx context.Context, ref string) (group.Group, error)
	Send(text string) (protocol.AppMessage, error)
	Leave() error
	Peers() []peer.Info
	Status() node.Status
}

var (
	meColor   = color.New(color.FgRed).SprintFunc()
	peerColor = color.New(color.FgCyan).SprintFunc()
	okColor   = color.New(color.FgGreen).SprintFunc()
	errColor  = color.New(color.FgYellow).SprintFunc()
	dimColor  = color.New(color.Faint).SprintFunc()
)

var errExit = errors.New("exit")

// console reads operator commands line by line. Output from commands and
// from the event printer share one writer behind a mutex.
type console struct {
	core core

	mu  sync.Mutex
	out io.Writer
}

func newConsole(c core, out io.Writer) *console {
	return &console{core: c, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Run processes lines from in until EOF, "exit" or ctx is done.
func (c *console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	c.printf("Welcome. Type 'help' for a list of commands.\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			if err := c.Exec(ctx, line); err != nil {
				if errors.Is(err, errExit) {
					c.printf("%s\n", meColor("Exiting ..."))
					return nil
				}
				c.printf("%s %v\n", errColor("error:"), err)
			}
		}
	}
}

// Exec runs one command line.
func (c *console) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "create":
		c.printf("Creating new group ...\n")
		g, err := c.core.Create()
		if err != nil {
			return err
		}
		c.printf("%s group %s\n", okColor("created"), g.ID)

	case "join":
		if len(args) != 1 {
			return errors.New("usage: join <peer>")
		}
		c.printf("Joining %s ...\n", args[0])
		g, err := c.core.Join(ctx, args[0])
		if err != nil {
			return err
		}
		c.printf("%s group %s (owner %s, %d members, epoch %d)\n",
			okColor("joined"), g.ID, peerColor(g.Owner.Short()), len(g.Members), g.Epoch)

	case "send":
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), cmd))
		if text == "" {
			return errors.New("usage: send <message>")
		}
		if _, err := c.core.Send(text); err != nil {
			return err
		}
		c.printf("%s: %s\n", meColor("me"), text)

	case "peers":
		peers := c.core.Peers()
		if len(peers) == 0 {
			c.printf("no peers discovered yet\n")
			return nil
		}
		for _, p := range peers {
			c.printf("  %s  %s  %s\n", peerColor(p.ID), p.Addr, dimColor("seen "+p.LastSeen.Format(time.TimeOnly)))
		}

	case "status":
		st := c.core.Status()
		c.printf("Identity : %s\n", st.ID)
		c.printf("Address  : %s\n", st.Addr)
		c.printf("Peers    : %d\n", st.Peers)
		c.printf("State    : %s\n", st.State)
		if st.InGroup {
			c.printf("Group    : %s (owner %s, epoch %d)\n", st.Group.ID, st.Group.Owner.Short(), st.Group.Epoch)
			for _, m := range st.Group.Members {
				c.printf("  - %s\n", m)
			}
		}

	case "leave":
		if err := c.core.Leave(); err != nil {
			return err
		}
		c.printf("left group\n")

	case "clear":
		c.printf("\x1b[H\x1b[2J")

	case "help":
		c.printf("%s\n", helpText)

	case "exit", "quit":
		return errExit

	default:
		return fmt.Errorf("unknown command: %s\nRun 'help' to see the list of commands", cmd)
	}
	return nil
}

// printEvents writes node events until the channel closes.
func (c *console) printEvents(events <-chan node.Event) {
	for ev := range events {
		switch ev.Kind {
		case node.PeerDiscovered:
			c.printf("%s %s at %s\n", dimColor("peer up"), peerColor(ev.Peer.ID.Short()), ev.Peer.Addr)
		case node.PeerLost:
			c.printf("%s %s\n", dimColor("peer down"), peerColor(ev.Peer.ID.Short()))
		case node.GroupJoined:
			c.printf("%s %s\n", okColor("now a member of"), ev.Group.ID)
		case node.MembersChanged:
			c.printf("%s %d members, epoch %d\n", dimColor("group:"), len(ev.Group.Members), ev.Group.Epoch)
		case node.MessageReceived:
			c.printf("%s: %s\n", peerColor(ev.Message.Sender.Short()), ev.Message.Text)
		}
	}
}
