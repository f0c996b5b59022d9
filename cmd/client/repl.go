package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"github.com/dreamware/memmesh/internal/cluster"
	"github.com/dreamware/memmesh/internal/config"
	"github.com/dreamware/memmesh/internal/router"
	"github.com/dreamware/memmesh/internal/transport"
)

const prompt = "> "

const usage = `commands:
  read <address>
  write <address> <data>
  lock <address>
  unlock <address> <ltag>
  dumpcache
  disconnect`

// errUsage marks input the REPL could not parse.
var errUsage = errors.New("invalid command")

type repl struct {
	cfg  config.Config
	in   io.Reader
	out  io.Writer
	sess *transport.Session
}

func newREPL(cfg config.Config, in io.Reader, out io.Writer) *repl {
	return &repl{cfg: cfg, in: in, out: out}
}

func (r *repl) dial(ctx context.Context, index int) error {
	s, err := transport.Dial(ctx, r.cfg.Servers[index], r.cfg.Codec(), r.cfg.Status, r.cfg.ConnectionTimeout)
	if err != nil {
		return err
	}
	r.sess = s
	return nil
}

// reconnect connects to the first configured node that answers and returns
// its index.
func (r *repl) reconnect(ctx context.Context) (int, error) {
	if r.sess != nil {
		r.sess.Close()
		r.sess = nil
	}
	for i := range r.cfg.Servers {
		if err := r.dial(ctx, i); err == nil {
			return i, nil
		}
	}
	return -1, errors.New("no configured node is reachable")
}

// Run connects to node index and executes commands until disconnect, end of
// input, or cancellation.
func (r *repl) Run(ctx context.Context, index int) error {
	if err := r.dial(ctx, index); err != nil {
		return errors.Wrapf(err, "connect to node %d", index)
	}
	fmt.Fprintf(r.out, "connected to %s (node %d)\n%s\n", r.sess.Node(), index, usage)

	sc := bufio.NewScanner(r.in)
	for {
		fmt.Fprint(r.out, prompt)
		if !sc.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		quit, err := r.execute(ctx, line)
		switch {
		case quit:
			return err
		case err == nil:
		case errors.Is(err, errUsage):
			fmt.Fprintf(r.out, "%v\n%s\n", err, usage)
		case isReply(err):
			fmt.Fprintf(r.out, "error: %v\n", err)
		default:
			fmt.Fprintf(r.out, "connection failed: %v\n", err)
			i, rerr := r.reconnect(ctx)
			if rerr != nil {
				return rerr
			}
			fmt.Fprintf(r.out, "reconnected to node %d\n", i)
		}
	}

	if r.sess != nil {
		_ = r.sess.Disconnect(ctx)
	}
	return sc.Err()
}

// isReply reports whether err came back from a node, as opposed to a failed
// connection.
func isReply(err error) bool {
	var rerr *router.RemoteError
	return errors.As(err, &rerr)
}

// execute runs one command line. quit is true after disconnect.
func (r *repl) execute(ctx context.Context, line string) (quit bool, err error) {
	fields := split(line, 3)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch {
	case cmd == "read" && len(args) == 1:
		addr, err := parseAddr(args[0])
		if err != nil {
			return false, err
		}
		res, err := r.sess.Read(ctx, addr)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "read %d: data=%s istatus=%s wtag=%d\n", addr, res.Data, res.Status, res.WTag)

	case cmd == "write" && len(args) == 2:
		addr, err := parseAddr(args[0])
		if err != nil {
			return false, err
		}
		wtag, err := r.sess.Write(ctx, addr, cluster.ParseValue(strings.TrimSpace(args[1])))
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "write %d: wtag=%d\n", addr, wtag)

	case cmd == "lock" && len(args) == 1:
		addr, err := parseAddr(args[0])
		if err != nil {
			return false, err
		}
		res, err := r.sess.Lock(ctx, addr, r.cfg.LeaseTimeout)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "lock %d: ltag=%d wtag=%d\n", addr, res.LTag, res.WTag)

	case cmd == "unlock" && len(args) == 2:
		addr, err := parseAddr(args[0])
		if err != nil {
			return false, err
		}
		ltag, err := strconv.ParseInt(strings.TrimSpace(args[1]), 10, 64)
		if err != nil {
			return false, errors.Wrapf(errUsage, "bad lock tag %q", args[1])
		}
		res, err := r.sess.Unlock(ctx, addr, ltag)
		if err != nil {
			return false, err
		}
		if res.OK {
			fmt.Fprintf(r.out, "unlock %d: released\n", addr)
		} else {
			fmt.Fprintf(r.out, "unlock %d: lock was already released (ltag=%d)\n", addr, res.LTag)
		}

	case cmd == "dumpcache" && len(args) == 0:
		entries, err := r.sess.DumpCache(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "cache: %d entries\n", len(entries))
		for _, e := range entries {
			fmt.Fprintf(r.out, "  %d: data=%s istatus=%s wtag=%d\n", e.Address, e.Data, e.Status, e.WTag)
		}

	case cmd == "disconnect" && len(args) == 0:
		err := r.sess.Disconnect(ctx)
		r.sess = nil
		fmt.Fprintln(r.out, "disconnected")
		return true, err

	default:
		return false, errUsage
	}
	return false, nil
}

// split breaks line into at most n whitespace-separated fields; the last
// field keeps any remaining text as is.
func split(line string, n int) []string {
	var fields []string
	s := strings.TrimSpace(line)
	for s != "" && len(fields) < n-1 {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			break
		}
		fields = append(fields, s[:i])
		s = strings.TrimLeftFunc(s[i:], unicode.IsSpace)
	}
	if s != "" {
		fields = append(fields, s)
	}
	return fields
}

func parseAddr(s string) (int, error) {
	addr, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(errUsage, "bad address %q", s)
	}
	return addr, nil
}
