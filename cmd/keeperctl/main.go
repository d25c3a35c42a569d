// Command keeperctl is the HTTP client for the loopback control server: a
// thin cobra CLI that adds/lists/controls downloads and renders a live
// progress bar for a single URL.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"
)

type clientOpts struct {
	baseURL string
	token   string
}

func main() {
	opts := &clientOpts{}

	root := &cobra.Command{
		Use:           "keeperctl",
		Short:         "Control client for the keeper download engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "addr", "http://127.0.0.1:8765", "control server base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("KEEPER_TOKEN"), "control server auth token (or $KEEPER_TOKEN)")

	root.AddCommand(
		newAddCmd(opts),
		newListCmd(opts),
		newControlCmd(opts, "pause"),
		newControlCmd(opts, "resume"),
		newControlCmd(opts, "cancel"),
		newControlCmd(opts, "restart"),
		newControlCmd(opts, "delete"),
		newStatusCmd(opts),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// downloadRecord mirrors the wire shape of journal.Record; the tags must
// match that struct's JSON names exactly or every field here silently
// decodes to its zero value.
type downloadRecord struct {
	URL             string `json:"url"`
	Filename        string `json:"filename"`
	FilePath        string `json:"file_path"`
	Status          string `json:"status"`
	DownloadedBytes int64  `json:"downloaded_bytes"`
	TotalBytes      int64  `json:"total_bytes"`
	Category        string `json:"category"`
}

func newAddCmd(opts *clientOpts) *cobra.Command {
	var directory, filename string
	var watch bool

	cmd := &cobra.Command{
		Use:   "add URL",
		Short: "Enqueue a new download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := args[0]
			body, _ := json.Marshal(map[string]string{"url": url, "directory": directory, "filename": filename})
			var rec downloadRecord
			if err := opts.do(http.MethodPost, "/v1/downloads", body, &rec); err != nil {
				return err
			}
			fmt.Printf("enqueued %s -> %s\n", url, rec.Filename)
			if watch {
				return opts.watchProgress(url)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&directory, "dir", "", "destination directory (default: configured default)")
	cmd.Flags().StringVar(&filename, "name", "", "override filename")
	cmd.Flags().BoolVar(&watch, "watch", false, "render a live progress bar until the download finishes")
	return cmd
}

func newListCmd(opts *clientOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every known download",
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []downloadRecord
			if err := opts.do(http.MethodGet, "/v1/downloads", nil, &records); err != nil {
				return err
			}
			for _, r := range records {
				fmt.Printf("%-10s %8d/%-8d %s\n", r.Status, r.DownloadedBytes, r.TotalBytes, r.URL)
			}
			return nil
		},
	}
}

func newControlCmd(opts *clientOpts, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " URL",
		Short: fmt.Sprintf("Send the %s action to a download", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, _ := json.Marshal(map[string]string{"action": action})
			path := fmt.Sprintf("/v1/downloads/%s/control", encodeURLParam(args[0]))
			return opts.do(http.MethodPost, path, body, nil)
		},
	}
}

func newStatusCmd(opts *clientOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the control server's summary status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var status map[string]any
			if err := opts.do(http.MethodGet, "/v1/status", nil, &status); err != nil {
				return err
			}
			fmt.Printf("active downloads: %v\n", status["active_downloads"])
			return nil
		},
	}
}

// watchProgress polls a single download's record and renders a byte
// progress bar until it leaves the in-progress status.
func (o *clientOpts) watchProgress(url string) error {
	var bar *pb.ProgressBar
	encoded := encodeURLParam(url)
	for {
		var rec downloadRecord
		if err := o.do(http.MethodGet, "/v1/downloads/"+encoded, nil, &rec); err != nil {
			return err
		}
		if bar == nil && rec.TotalBytes > 0 {
			bar = pb.Full.Start64(rec.TotalBytes)
			bar.Set(pb.Bytes, true)
		}
		if bar != nil {
			bar.SetCurrent(rec.DownloadedBytes)
		}
		if rec.Status != "InProgress" {
			if bar != nil {
				bar.Finish()
			}
			fmt.Println(rec.Status)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func encodeURLParam(url string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(url))
}

func (o *clientOpts) do(method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, o.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Keeper-Token", o.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
