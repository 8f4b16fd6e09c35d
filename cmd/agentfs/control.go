package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/agentharbor/agentfs/pkg/control"
	"github.com/agentharbor/agentfs/pkg/types"
)

type controlFlags struct {
	configFlags
	address string
	dryRun  bool
	timeout time.Duration
}

func runControl(ctx context.Context, args []string, stdout io.Writer) error {
	var f controlFlags
	fs := pflag.NewFlagSet("agentfs control", pflag.ContinueOnError)
	f.register(fs)
	fs.StringVar(&f.address, "address", "", "admin API address (default monitoring.api.address)")
	fs.BoolVar(&f.dryRun, "dry-run", false, "decode and validate the request without sending it")
	fs.DurationVar(&f.timeout, "timeout", 10*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprintf(stdout, "Usage: agentfs control [flags] <request-file|->\n\n"+
			"The request is a JSON or CBOR control envelope. Without a caller the\n"+
			"request acts for the invoking shell.\n\nFlags:\n%s", fs.FlagUsages())
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("control takes exactly one request file")
	}

	data, err := readRequest(fs.Arg(0))
	if err != nil {
		return err
	}
	req, codec, err := control.DecodeRequest(data)
	if err != nil {
		return err
	}
	if req.Caller.PID == 0 {
		req.Caller = invoker()
	}
	if err := control.NewDispatcher(nil, nil).Validate(req); err != nil {
		return err
	}
	body, err := codec.Marshal(req)
	if err != nil {
		return err
	}
	if f.dryRun {
		out, err := control.JSON.Marshal(req)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "%s\n", out)
		return err
	}

	address := f.address
	if address == "" {
		cfg, err := f.load()
		if err != nil {
			return err
		}
		address = cfg.Monitoring.API.Address
	}
	resp, err := send(ctx, address, codec, body, f.timeout)
	if err != nil {
		return err
	}
	out, err := control.JSON.Marshal(resp)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\n", out)
	return resp.Err()
}

func readRequest(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}

// invoker is the shell that ran agentfs: its branch is the one a
// request without a caller refers to.
func invoker() types.Caller {
	return types.Caller{
		PID: uint32(os.Getppid()),
		UID: uint32(os.Getuid()),
		GID: uint32(os.Getgid()),
	}
}

func send(ctx context.Context, address string, codec control.Codec, body []byte, timeout time.Duration) (control.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+address+"/control", bytes.NewReader(body))
	if err != nil {
		return control.Response{}, err
	}
	req.Header.Set("Content-Type", codec.ContentType())
	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		return control.Response{}, fmt.Errorf("contacting %s: %w", address, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return control.Response{}, err
	}
	if httpResp.StatusCode != http.StatusOK {
		return control.Response{}, fmt.Errorf("control request failed: %s: %s", httpResp.Status, bytes.TrimSpace(data))
	}
	var resp control.Response
	if err := control.ForContentType(httpResp.Header.Get("Content-Type")).Unmarshal(data, &resp); err != nil {
		return control.Response{}, fmt.Errorf("decoding control response: %w", err)
	}
	return resp, nil
}
