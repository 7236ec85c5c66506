// ptydeckctl is the thin CLI client for ptydeckd. It is a stand-in for a
// local GUI client: every subcommand speaks the same newline-delimited
// JSON wire protocol a GUI would, over the same socket.
//
// Usage:
//
//	ptydeckctl ping
//	ptydeckctl list
//	ptydeckctl create <name> [dir] [--group <id>] [-d]
//	ptydeckctl attach <session-id>
//	ptydeckctl stop <session-id>
//	ptydeckctl restart <session-id> [-d]
//	ptydeckctl fork <session-id> [--name <name>] [-d]
//	ptydeckctl rename <session-id> <new-name>
//	ptydeckctl move <session-id> [--group <id>|--root]
//	ptydeckctl delete <session-id>
//	ptydeckctl group create <name> [--parent <id>]
//	ptydeckctl group list
//	ptydeckctl group delete <id>
//	ptydeckctl daemon logs [-f] [-n N]
//	ptydeckctl prefs <show|set-dir>
//
// ptydeckctl starts ptydeckd automatically if it is not already listening.
// create falls back to the default_dir set in the local preferences file
// (~/.config/ptydeck/client.yaml, see prefs.go) when no directory is given.
// Detach from an attached session with Ctrl-] (0x1D).
package main

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ptydeck/ptydeckd/internal/bootstrap"
	"github.com/ptydeck/ptydeckd/internal/proto"
	"golang.org/x/term"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "ping":
		cmdPing()
	case "list":
		cmdList()
	case "create":
		cmdCreate()
	case "attach":
		cmdAttach()
	case "stop":
		cmdStop()
	case "restart":
		cmdRestart()
	case "fork":
		cmdFork()
	case "rename":
		cmdRename()
	case "move":
		cmdMove()
	case "delete":
		cmdDelete()
	case "group":
		cmdGroup()
	case "daemon":
		cmdDaemon()
	case "prefs":
		cmdPrefs()
	default:
		fmt.Fprintf(os.Stderr, "ptydeckctl: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `ptydeckctl – drive a ptydeckd-managed set of coding-assistant sessions

  ping                                  Check whether the daemon is reachable
  list                                  List all sessions
  create <name> [dir] [--group <id>] [-d]
                                        Create and spawn a session (attaches unless -d)
  attach <session-id>                   Attach terminal to a session (detach: Ctrl-])
  stop <session-id>                     Kill the child process; session stays STOPPED
  restart <session-id> [-d]             Respawn the child, resuming its prior run
  fork <session-id> [--name <n>] [-d]   Branch a new session that resumes this one's run
  rename <session-id> <new-name>        Rename a session
  move <session-id> [--group <id>|--root]
                                        Move a session into a group or back to root
  delete <session-id>                   Kill (if running) and forget a session

  group create <name> [--parent <id>]   Create a group
  group list                            List all groups
  group delete <id>                     Delete a group, re-parenting its children

  daemon logs [-f] [-n N]               Print the daemon log (-f follow, -n tail lines)

  prefs show                            Print local preferences (~/.config/ptydeck/client.yaml)
  prefs set-dir <path>                  Set the default directory used by create when none is given`)
}

// ─── session commands ──────────────────────────────────────────────────────

func cmdPing() {
	var out proto.PingResult
	if err := call(daemonSocket(), proto.MethodPing, nil, &out); err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s%s%s\n", colorGreen, out.Status, colorReset)
}

func cmdList() {
	var out proto.SessionListResult
	if err := call(daemonSocket(), proto.MethodSessionList, nil, &out); err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}
	if len(out.Sessions) == 0 {
		fmt.Printf("%sno sessions%s\n", colorDim, colorReset)
		return
	}

	fmt.Printf("%s%-10s  %-10s  %-24s  %-10s  %s%s\n", colorBold, "ID", "STATUS", "NAME", "GROUP", "DIR", colorReset)
	for _, s := range out.Sessions {
		group := "-"
		if s.GroupID != nil {
			group = *s.GroupID
		}
		fmt.Printf("%-10s  %s%-10s%s  %-24s  %-10s  %s\n",
			shortID(s.ID), colorStatus(s.Status), string(s.Status), colorReset, truncate(s.Name, 24), shortID(group), s.WorkingDir)
	}
}

func cmdCreate() {
	rawArgs, detach := stripBoolFlag(os.Args[2:], "d", "detach")
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	group := fs.String("group", "", "parent group id")
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "usage: ptydeckctl create <name> [dir] [--group <id>] [-d]") }
	fs.Parse(rawArgs)
	args := fs.Args()
	if len(args) < 1 {
		fs.Usage()
		os.Exit(1)
	}

	dirArg := ""
	if len(args) >= 2 {
		dirArg = args[1]
	} else if prefs, err := loadPrefs(); err == nil && prefs.DefaultDir != "" {
		dirArg = prefs.DefaultDir
	} else {
		dirArg = "."
	}

	dir, err := filepath.Abs(dirArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}

	params := proto.SessionCreateParams{Name: args[0], Dir: dir}
	if *group != "" {
		params.GroupID = group
	}

	var out proto.SessionResult
	if err := call(daemonSocket(), proto.MethodSessionCreate, params, &out); err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s✓  created%s %s%s%s\n", colorGreen+colorBold, colorReset, colorCyan, out.Session.ID, colorReset)
	if !detach {
		doAttach(out.Session.ID)
	}
}

func cmdStop() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: ptydeckctl stop <session-id>")
		os.Exit(1)
	}
	var out proto.SuccessResult
	if err := call(daemonSocket(), proto.MethodSessionStop, proto.SessionIDParams{SessionID: os.Args[2]}, &out); err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s✓  stopped%s %s%s%s\n", colorGreen+colorBold, colorReset, colorCyan, os.Args[2], colorReset)
}

func cmdRestart() {
	rawArgs, detach := stripBoolFlag(os.Args[2:], "d", "detach")
	fs := flag.NewFlagSet("restart", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "usage: ptydeckctl restart <session-id> [-d]") }
	fs.Parse(rawArgs)
	args := fs.Args()
	if len(args) < 1 {
		fs.Usage()
		os.Exit(1)
	}
	sessionID := args[0]

	rows, cols := termSize()
	var out proto.SessionResult
	if err := call(daemonSocket(), proto.MethodSessionRestart, proto.SessionRestartParams{SessionID: sessionID, Rows: rows, Cols: cols}, &out); err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s✓  restarted%s %s%s%s\n", colorGreen+colorBold, colorReset, colorCyan, sessionID, colorReset)
	if !detach {
		doAttach(sessionID)
	}
}

func cmdFork() {
	rawArgs, detach := stripBoolFlag(os.Args[2:], "d", "detach")
	fs := flag.NewFlagSet("fork", flag.ExitOnError)
	name := fs.String("name", "", "name for the forked session (default: derived from the source)")
	group := fs.String("group", "", "group id for the forked session (default: same as source)")
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "usage: ptydeckctl fork <session-id> [--name <n>] [--group <id>] [-d]") }
	fs.Parse(rawArgs)
	args := fs.Args()
	if len(args) < 1 {
		fs.Usage()
		os.Exit(1)
	}

	rows, cols := termSize()
	params := proto.SessionForkParams{SessionID: args[0], Rows: rows, Cols: cols}
	if *name != "" {
		params.NewName = name
	}
	if *group != "" {
		params.GroupID = group
	}

	var out proto.SessionResult
	if err := call(daemonSocket(), proto.MethodSessionFork, params, &out); err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s✓  forked%s %s%s%s → %s%s%s\n", colorGreen+colorBold, colorReset, colorDim, args[0], colorReset, colorCyan, out.Session.ID, colorReset)
	if !detach {
		doAttach(out.Session.ID)
	}
}

func cmdRename() {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: ptydeckctl rename <session-id> <new-name>")
		os.Exit(1)
	}
	name := os.Args[3]
	var out proto.SessionResult
	if err := call(daemonSocket(), proto.MethodSessionUpdate, proto.SessionUpdateParams{SessionID: os.Args[2], Name: &name}, &out); err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s✓  renamed%s %s%s%s\n", colorGreen+colorBold, colorReset, colorCyan, out.Session.Name, colorReset)
}

func cmdMove() {
	fs := flag.NewFlagSet("move", flag.ExitOnError)
	group := fs.String("group", "", "destination group id")
	toRoot := fs.Bool("root", false, "move back to root")
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "usage: ptydeckctl move <session-id> [--group <id>|--root]") }
	fs.Parse(os.Args[2:])
	args := fs.Args()
	if len(args) < 1 || (*group == "" && !*toRoot) {
		fs.Usage()
		os.Exit(1)
	}

	params := proto.SessionUpdateParams{SessionID: args[0]}
	if *toRoot {
		params.ClearGroupID = true
	} else {
		params.GroupID = group
	}

	var out proto.SessionResult
	if err := call(daemonSocket(), proto.MethodSessionUpdate, params, &out); err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s✓  moved%s %s%s%s\n", colorGreen+colorBold, colorReset, colorCyan, out.Session.ID, colorReset)
}

func cmdDelete() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: ptydeckctl delete <session-id>")
		os.Exit(1)
	}
	var out proto.SuccessResult
	if err := call(daemonSocket(), proto.MethodSessionDelete, proto.SessionIDParams{SessionID: os.Args[2]}, &out); err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s✓  deleted%s %s%s%s\n", colorGreen+colorBold, colorReset, colorCyan, os.Args[2], colorReset)
}

// ─── group commands ────────────────────────────────────────────────────────

func cmdGroup() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: ptydeckctl group <create|list|delete>")
		os.Exit(1)
	}
	switch os.Args[2] {
	case "create":
		cmdGroupCreate()
	case "list":
		cmdGroupList()
	case "delete":
		cmdGroupDelete()
	default:
		fmt.Fprintf(os.Stderr, "ptydeckctl: unknown group subcommand %q\n", os.Args[2])
		os.Exit(1)
	}
}

func cmdGroupCreate() {
	fs := flag.NewFlagSet("group create", flag.ExitOnError)
	parent := fs.String("parent", "", "parent group id")
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "usage: ptydeckctl group create <name> [--parent <id>]") }
	fs.Parse(os.Args[3:])
	args := fs.Args()
	if len(args) < 1 {
		fs.Usage()
		os.Exit(1)
	}

	params := proto.GroupCreateParams{Name: args[0]}
	if *parent != "" {
		params.ParentID = parent
	}

	var out proto.GroupResult
	if err := call(daemonSocket(), proto.MethodGroupCreate, params, &out); err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s✓  created group%s %s%s%s\n", colorGreen+colorBold, colorReset, colorCyan, out.Group.ID, colorReset)
}

func cmdGroupList() {
	var out proto.GroupListResult
	if err := call(daemonSocket(), proto.MethodGroupList, nil, &out); err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}
	if len(out.Groups) == 0 {
		fmt.Printf("%sno groups%s\n", colorDim, colorReset)
		return
	}
	fmt.Printf("%s%-10s  %-10s  %s%s\n", colorBold, "ID", "PARENT", "NAME", colorReset)
	for _, g := range out.Groups {
		parent := "-"
		if g.ParentID != nil {
			parent = shortID(*g.ParentID)
		}
		fmt.Printf("%-10s  %-10s  %s\n", shortID(g.ID), parent, g.Name)
	}
}

func cmdGroupDelete() {
	if len(os.Args) < 4 {
		fmt.Fprintln(os.Stderr, "usage: ptydeckctl group delete <id>")
		os.Exit(1)
	}
	var out proto.SuccessResult
	if err := call(daemonSocket(), proto.MethodGroupDelete, proto.GroupDeleteParams{GroupID: os.Args[3]}, &out); err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s✓  deleted group%s %s%s%s\n", colorGreen+colorBold, colorReset, colorCyan, os.Args[3], colorReset)
}

// ─── attach ────────────────────────────────────────────────────────────────

// doAttach connects to the daemon, puts the terminal in raw mode, and pumps
// stdin/stdout against one session until the user detaches (Ctrl-]) or the
// child exits. Every frame is a session.input request or a pty.output /
// pty.exit event on the shared connection — there is no separate attach
// framing, unlike a multiplexed binary-frame protocol would need, because
// every event already carries its own session_id to filter on.
func doAttach(sessionID string) {
	conn, err := net.Dial("unix", daemonSocket())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: cannot connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: cannot set raw mode: %v\n", err)
		os.Exit(1)
	}
	restore := func() { term.Restore(fd, oldState) }
	defer restore()

	fmt.Fprintf(os.Stdout, "\r\n[ptydeckctl] attached to %s  (detach: Ctrl-])\r\n", sessionID)

	if cols, rows, err := term.GetSize(fd); err == nil {
		sendRequest(conn, proto.MethodSessionResize, proto.SessionResizeParams{SessionID: sessionID, Rows: uint16(rows), Cols: uint16(cols)})
	}

	done := make(chan struct{}, 1)
	signalDone := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	// Reader: pump pty.output for this session to stdout, stop on pty.exit.
	go func() {
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 4096), 1<<20)
		for scanner.Scan() {
			var frame struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil || frame.Event == "" {
				continue
			}
			switch frame.Event {
			case proto.EventPtyOutput:
				var ev proto.PtyOutputEvent
				if json.Unmarshal(frame.Data, &ev) == nil && ev.SessionID == sessionID {
					if raw, err := base64.StdEncoding.DecodeString(ev.Output); err == nil {
						os.Stdout.Write(raw)
					}
				}
			case proto.EventPtyExit:
				var ev proto.PtyExitEvent
				if json.Unmarshal(frame.Data, &ev) == nil && ev.SessionID == sessionID {
					fmt.Fprintf(os.Stdout, "\r\n[ptydeckctl] session exited\r\n")
					signalDone()
					return
				}
			}
		}
		signalDone()
	}()

	// Writer: pump stdin into session.input requests, watch for Ctrl-].
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				for i := 0; i < n; i++ {
					if buf[i] == 0x1D {
						signalDone()
						return
					}
				}
				sendRequest(conn, proto.MethodSessionInput, proto.SessionInputParams{
					SessionID: sessionID,
					Input:     base64.StdEncoding.EncodeToString(buf[:n]),
				})
			}
			if err != nil {
				signalDone()
				return
			}
		}
	}()

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)
	go func() {
		for range winchCh {
			if cols, rows, err := term.GetSize(fd); err == nil {
				sendRequest(conn, proto.MethodSessionResize, proto.SessionResizeParams{SessionID: sessionID, Rows: uint16(rows), Cols: uint16(cols)})
			}
		}
	}()

	<-done
	restore()
	fmt.Fprintf(os.Stdout, "\n[ptydeckctl] detached from %s\n", sessionID)
}

func cmdAttach() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: ptydeckctl attach <session-id>")
		os.Exit(1)
	}
	doAttach(os.Args[2])
}

func termSize() (rows, cols uint16) {
	if cols32, rows32, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
		return uint16(rows32), uint16(cols32)
	}
	return 24, 80
}

// ─── daemon log commands ───────────────────────────────────────────────────

func cmdDaemon() {
	if len(os.Args) < 3 || os.Args[2] != "logs" {
		fmt.Fprintln(os.Stderr, "usage: ptydeckctl daemon logs [-f] [-n N]")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("daemon logs", flag.ExitOnError)
	follow := fs.Bool("f", false, "follow log output")
	tailLines := fs.Int("n", 0, "print only the last N lines (0 = full file)")
	fs.Usage = func() { fmt.Fprintln(os.Stderr, "usage: ptydeckctl daemon logs [-f] [-n N]") }
	fs.Parse(os.Args[3:])

	logPath := filepath.Join(rootDir(), "logs", "daemon.log")
	var err error
	if *tailLines > 0 {
		err = printLastLines(logPath, *tailLines, os.Stdout)
	} else {
		err = copyFileToStdout(logPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}
	if *follow {
		if err := followFile(logPath); err != nil {
			fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
			os.Exit(1)
		}
	}
}

func copyFileToStdout(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("daemon log not found at %s", path)
		}
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer f.Close()
	_, err = io.Copy(os.Stdout, f)
	return err
}

func printLastLines(path string, n int, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("daemon log not found at %s", path)
		}
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	ring := make([]string, n)
	count := 0
	for scanner.Scan() {
		ring[count%n] = scanner.Text()
		count++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read daemon log: %w", err)
	}

	start := 0
	lines := count
	if count > n {
		start = count % n
		lines = n
	}
	for i := 0; i < lines; i++ {
		fmt.Fprintln(w, ring[(start+i)%n])
	}
	return nil
}

func followFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seek daemon log: %w", err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			return nil
		case <-ticker.C:
			info, err := f.Stat()
			if err != nil {
				return fmt.Errorf("stat daemon log: %w", err)
			}
			size := info.Size()
			if size < offset {
				offset = 0
			}
			if size <= offset {
				continue
			}
			if _, err := f.Seek(offset, io.SeekStart); err != nil {
				return fmt.Errorf("seek daemon log: %w", err)
			}
			if _, err := io.CopyN(os.Stdout, f, size-offset); err != nil && err != io.EOF {
				return fmt.Errorf("read daemon log: %w", err)
			}
			offset = size
		}
	}
}

// ─── daemon connection plumbing ────────────────────────────────────────────

func rootDir() string {
	root, err := bootstrap.DefaultRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: %v\n", err)
		os.Exit(1)
	}
	return root
}

// daemonSocket returns the daemon's endpoint path, starting ptydeckd in the
// background first if it is not already listening.
func daemonSocket() string {
	root := rootDir()
	sock := bootstrap.EndpointPath(root)
	ensureDaemon(root, sock)
	return sock
}

func ensureDaemon(root, socketPath string) {
	if pingDaemon(socketPath) {
		return
	}

	exe, _ := os.Executable()
	daemonBin := filepath.Join(filepath.Dir(exe), "ptydeckd")
	if _, err := os.Stat(daemonBin); err != nil {
		daemonBin = "ptydeckd"
	}

	cmd := exec.Command(daemonBin, "--root", root)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "ptydeckctl: could not start daemon: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < 30; i++ {
		time.Sleep(100 * time.Millisecond)
		if pingDaemon(socketPath) {
			return
		}
	}
	fmt.Fprintln(os.Stderr, "ptydeckctl: daemon did not start in time")
	os.Exit(1)
}

func pingDaemon(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 500*time.Millisecond)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(500 * time.Millisecond))

	id := requestID.Add(1)
	if err := writeRequest(conn, proto.Request{ID: id, Method: proto.MethodPing}); err != nil {
		return false
	}
	return readResult(conn, id, nil) == nil
}

// requestID is shared by every short-lived request/response connection; a
// fresh connection is opened per call, so collisions across calls never
// matter, but the counter still gives each request a distinct id for the
// duration of any single connection (attach keeps one open and sends many).
var requestID atomic.Uint64

// call dials a fresh connection, sends one request, and decodes its result
// into out (which may be nil).
func call(socketPath, method string, params, out any) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	id := requestID.Add(1)
	req := proto.Request{ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = data
	}
	if err := writeRequest(conn, req); err != nil {
		return err
	}
	return readResult(conn, id, out)
}

// sendRequest writes a fire-and-forget request on an already-open
// connection (used by attach, which reads responses and events together).
func sendRequest(conn net.Conn, method string, params any) {
	id := requestID.Add(1)
	data, err := json.Marshal(params)
	if err != nil {
		return
	}
	writeRequest(conn, proto.Request{ID: id, Method: method, Params: data})
}

func writeRequest(conn net.Conn, req proto.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

// readResult scans frames off conn until it finds the Response matching id,
// skipping any event frames interleaved ahead of it.
func readResult(conn net.Conn, id uint64, out any) error {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		var probe struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if probe.Event != "" {
			continue
		}
		var resp proto.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("bad response: %w", err)
		}
		if resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return fmt.Errorf("%s", resp.Error.Message)
		}
		if out != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// ─── formatting helpers ─────────────────────────────────────────────────────

const (
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorReset  = "\033[0m"
)

func colorStatus(s proto.SessionStatus) string {
	switch s {
	case proto.StatusRunning:
		return "\033[32m"
	case proto.StatusWaiting:
		return "\033[33m"
	case proto.StatusIdle:
		return "\033[2m"
	case proto.StatusError:
		return "\033[31m"
	case proto.StatusStopped:
		return "\033[2m"
	default:
		return ""
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// stripBoolFlag removes every occurrence of the given short/long flag from
// args, regardless of position, and reports whether it was present.
func stripBoolFlag(args []string, short, long string) ([]string, bool) {
	out := make([]string, 0, len(args))
	found := false
	for _, a := range args {
		if a == "-"+short || a == "--"+short || a == "-"+long || a == "--"+long {
			found = true
		} else {
			out = append(out, a)
		}
	}
	return out, found
}
