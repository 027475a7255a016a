// Smoke test for the stdio MCP transport: starts `schemaflow serve-mcp`,
// runs the handshake and calls each inspection tool.
//
//	go run ./scripts/test-mcp.go -bin ./bin/schemaflow -config ./schemaflow.yaml
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type toolResult struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

type tester struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  *bufio.Scanner
	nextID int
}

func main() {
	binary := flag.String("bin", "./bin/schemaflow", "Path to the schemaflow binary")
	configPath := flag.String("config", "", "Configuration file passed to serve-mcp")
	flag.Parse()

	if _, err := os.Stat(*binary); os.IsNotExist(err) {
		fmt.Println("Binary not found. Run 'make build' first.")
		os.Exit(1)
	}

	args := []string{"serve-mcp"}
	if *configPath != "" {
		args = append([]string{"-config", *configPath}, args...)
	}

	t, err := start(*binary, args)
	if err != nil {
		fmt.Printf("Failed to start server: %v\n", err)
		os.Exit(1)
	}
	defer t.cleanup()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Initialize connection", t.initialize},
		{"List tools", t.listTools},
		{"Migration status", func() error { return t.callTool("migration_status", nil) }},
		{"Migration plan", func() error { return t.callTool("migration_plan", map[string]interface{}{"target": ""}) }},
		{"Detect changes", func() error { return t.callTool("detect_changes", nil) }},
	}

	for _, test := range tests {
		fmt.Printf("%s... ", test.name)
		if err := test.fn(); err != nil {
			fmt.Println("FAILED")
			fmt.Printf("  %v\n", err)
			os.Exit(1)
		}
		fmt.Println("ok")
	}
	fmt.Println("All checks passed")
}

func start(binary string, args []string) (*tester, error) {
	cmd := exec.Command(binary, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	lines := bufio.NewScanner(stdout)
	lines.Buffer(make([]byte, 64*1024), 4<<20)
	return &tester{cmd: cmd, stdin: stdin, lines: lines}, nil
}

func (t *tester) cleanup() {
	t.stdin.Close()
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
		t.cmd.Wait()
	}
}

func (t *tester) write(req rpcRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = t.stdin.Write(append(b, '\n'))
	return err
}

func (t *tester) send(method string, params interface{}) (*rpcResponse, error) {
	t.nextID++
	if err := t.write(rpcRequest{JSONRPC: mcp.JSONRPC_VERSION, ID: t.nextID, Method: method, Params: params}); err != nil {
		return nil, err
	}

	type readResult struct {
		resp *rpcResponse
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		if !t.lines.Scan() {
			err := t.lines.Err()
			if err == nil {
				err = io.EOF
			}
			done <- readResult{err: err}
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(t.lines.Bytes(), &resp); err != nil {
			done <- readResult{err: fmt.Errorf("failed to parse response: %w", err)}
			return
		}
		done <- readResult{resp: &resp}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp.Error != nil {
			return nil, fmt.Errorf("%s failed: %s", method, r.resp.Error.Message)
		}
		return r.resp, nil
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for %s", method)
	}
}

func (t *tester) initialize() error {
	params := mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ClientInfo:      mcp.Implementation{Name: "schemaflow-smoke", Version: "1.0.0"},
	}
	if _, err := t.send("initialize", params); err != nil {
		return err
	}
	return t.write(rpcRequest{JSONRPC: mcp.JSONRPC_VERSION, Method: "notifications/initialized"})
}

func (t *tester) listTools() error {
	resp, err := t.send("tools/list", map[string]interface{}{})
	if err != nil {
		return err
	}
	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return err
	}

	found := make(map[string]bool)
	for _, tool := range result.Tools {
		found[tool.Name] = true
	}
	for _, want := range []string{"migration_status", "migration_plan", "detect_changes"} {
		if !found[want] {
			return fmt.Errorf("missing tool: %s", want)
		}
	}
	return nil
}

func (t *tester) callTool(name string, args map[string]interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}
	resp, err := t.send("tools/call", map[string]interface{}{"name": name, "arguments": args})
	if err != nil {
		return err
	}

	var result toolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return err
	}
	if len(result.Content) == 0 {
		return fmt.Errorf("no content in %s response", name)
	}

	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal([]byte(result.Content[0].Text), &body); err != nil {
		return fmt.Errorf("failed to parse %s payload: %w", name, err)
	}
	if result.IsError || !body.Success {
		return fmt.Errorf("%s: %s", name, body.Error)
	}
	fmt.Printf("(%s) ", body.Message)
	return nil
}
