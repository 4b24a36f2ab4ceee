// Command conductor is an HTTP client for the conductord API.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/conductorhq/conductor/internal/version"
)

const defaultServer = "http://localhost:8080"

func main() {
	serverAddr := flag.String("server", envOr("CONDUCTOR_SERVER", defaultServer), "conductord base URL")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	c := &client{base: strings.TrimRight(*serverAddr, "/"), http: &http.Client{Timeout: 30 * time.Second}}

	var err error
	switch cmd := args[0]; cmd {
	case "create":
		err = c.create(args[1:])
	case "list":
		err = c.get("/tasks")
	case "get":
		err = c.taskCmd(args[1:], func(id string) error { return c.get("/tasks/" + id) })
	case "cancel", "retry", "resume", "pause", "trash", "restore", "archive", "unarchive":
		err = c.taskCmd(args[1:], func(id string) error { return c.post("/tasks/"+id+"/"+cmd, nil) })
	case "trashed":
		err = c.get("/tasks/trashed")
	case "archived":
		err = c.get("/tasks/archived")
	case "empty-trash":
		err = c.do(http.MethodDelete, "/tasks/trash", nil)
	case "subtasks":
		err = c.taskCmd(args[1:], func(id string) error { return c.get("/tasks/" + id + "/subtasks/status") })
	case "gates":
		err = c.taskCmd(args[1:], func(id string) error { return c.get("/tasks/" + id + "/gates") })
	case "approve", "reject":
		err = c.resolveGate(cmd, args[1:])
	case "watch":
		err = c.watch(args[1:])
	case "status":
		err = c.get("/status")
	case "version":
		fmt.Println("client:", version.Get())
		err = c.get("/version")
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: conductor [flags] <command> [args]

Commands:
  create <description>     create a task
  list                     list tasks
  get <id>                 show one task
  pause <id>               pause an in-progress task
  resume <id>              resume a paused task
  cancel <id>              cancel a task
  retry <id>               retry a failed task
  trash <id>               move a task to trash
  restore <id>             restore a task from trash
  trashed                  list trashed tasks
  empty-trash              permanently delete trashed tasks
  archive <id>             archive a completed task
  unarchive <id>           unarchive a task
  archived                 list archived tasks
  subtasks <id>            show subtask progress
  gates <id>               list approval gates
  approve <id> <gate>      approve a gate
  reject <id> <gate>       reject a gate
  watch [id]               stream events (all tasks when id omitted)
  status                   server health
  version                  client and server versions

Flags:
`)
	flag.PrintDefaults()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type client struct {
	base string
	http *http.Client
}

func (c *client) taskCmd(args []string, fn func(id string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one task id")
	}
	return fn(args[0])
}

func (c *client) create(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	workflow := fs.String("workflow", "", "workflow name")
	priority := fs.String("priority", "", "low|medium|high")
	effort := fs.String("effort", "", "small|medium|large")
	autonomy := fs.String("autonomy", "", "manual|assisted|autonomous")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("create requires a description")
	}

	body := map[string]any{"description": strings.Join(fs.Args(), " ")}
	for k, v := range map[string]string{
		"workflow": *workflow, "priority": *priority, "effort": *effort, "autonomy": *autonomy,
	} {
		if v != "" {
			body[k] = v
		}
	}
	return c.post("/tasks", body)
}

func (c *client) resolveGate(action string, args []string) error {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	approver := fs.String("approver", "", "approver name")
	comment := fs.String("comment", "", "decision comment")
	_ = fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("%s requires a task id and a gate name", action)
	}
	path := fmt.Sprintf("/tasks/%s/gates/%s/%s", fs.Arg(0), fs.Arg(1), action)
	return c.post(path, map[string]string{"approver": *approver, "comment": *comment})
}

// watch connects to the event stream and prints events until interrupted.
func (c *client) watch(args []string) error {
	taskID := "0"
	if len(args) > 0 {
		taskID = args[0]
	}

	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/stream/" + taskID

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", u, err)
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fmt.Println(string(msg))
	}
}

func (c *client) get(path string) error {
	return c.do(http.MethodGet, path, nil)
}

func (c *client) post(path string, body any) error {
	return c.do(http.MethodPost, path, body)
}

func (c *client) do(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else if method == http.MethodPost {
		reader = strings.NewReader("{}")
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	printJSON(data)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(data), "", "  "); err != nil {
		os.Stdout.Write(data)
		fmt.Println()
		return
	}
	fmt.Println(buf.String())
}
