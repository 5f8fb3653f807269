package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	version = "0.1.0"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nettrace",
		Short: "NetTrace - record, inspect and export HTTP client traffic",
		Long: `NetTrace records every request issued through an instrumented Go HTTP
client, keeps the exchanges in an in-memory log and exports them as
HAR 1.2 archives.

Examples:
  # Fetch a URL and show the exchange in the console
  nettrace fetch https://httpbin.org/get

  # Several URLs in parallel, exported as HAR
  nettrace fetch -c 8 -o run.har --format har https://a.example https://b.example

  # POST a body and keep a CSV log of the traffic
  nettrace fetch -X POST -d '{"name":"x"}' -o traffic.csv --format csv https://httpbin.org/post

  # Browse the log in the inspector until Ctrl-C
  nettrace fetch --inspect-addr 127.0.0.1:7070 --hold https://httpbin.org/get

  # Store the archive in S3-compatible storage
  nettrace fetch --sink s3 --s3-bucket traces --s3-endpoint http://localhost:9000 https://httpbin.org/get

  # Replay exchanges on loopback for Wireshark
  nettrace fetch --enable-mirror --mirror-port 9090 https://httpbin.org/get

  # Check a HAR file
  nettrace validate run.har`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newFetchCmd(), newValidateCmd())
	return rootCmd
}
