// memcat fetches keys from a cluster bucket and prints what it finds,
// the batched way: every key is enqueued up front and the pipeline is
// driven once.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	couchbase "github.com/pierrejoye/go-couchbase"
	"github.com/pierrejoye/go-couchbase/internal/sasl"
)

var (
	host        string
	username    string
	bucket      string
	outputFile  string
	metricsAddr string
	verbose     bool
)

var log = logrus.New()

func main() {
	rootCmd := &cobra.Command{
		Use:   "memcat [flags] key...",
		Short: "Fetch keys from a cluster bucket",
		Args:  cobra.MinimumNArgs(1),
		RunE:  run,
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&host, "host", "H", "localhost:8091",
		"host to read the cluster configuration from")
	rootCmd.Flags().StringVarP(&username, "username", "u", "", "username")
	rootCmd.Flags().StringVarP(&bucket, "bucket", "b", "", "bucket to connect to")
	rootCmd.Flags().StringVarP(&outputFile, "file", "o", "-", "send output to this file")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"serve Prometheus metrics on this address while running")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func readPassword() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprintf(os.Stderr, "Please enter password for %s: ", username)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func run(cmd *cobra.Command, args []string) error {
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	out := os.Stdout
	if outputFile != "-" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("open %s: %w", outputFile, err)
		}
		defer f.Close()
		out = f
	}

	var password string
	if username != "" {
		pw, err := readPassword()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = pw
	}

	inst, err := couchbase.Create(host, username, password, bucket, nil)
	if err != nil {
		return err
	}
	defer inst.Destroy()

	if username != "" {
		inst.SetCredentials(sasl.Credentials{
			Username: func() string { return username },
			Password: func() string { return password },
		})
	}

	log.WithFields(logrus.Fields{"host": host, "bucket": bucket}).Debug("connecting")
	if err := inst.Connect(context.Background()); err != nil {
		return err
	}

	if metricsAddr != "" {
		if err := couchbase.ServeMetrics(inst, metricsAddr); err != nil {
			return err
		}
	}

	inst.SetCallbacks(couchbase.Callbacks{
		Get: func(_ *couchbase.Instance, status couchbase.Status, key, value []byte, flags uint32, cas uint64) {
			if status == couchbase.StatusSuccess {
				fmt.Fprintf(out, "Found <%s> size: %d flags %04x cas: %d\n",
					key, len(value), flags, cas)
				return
			}
			fmt.Fprintf(out, "Missing <%s>\n", key)
		},
		Error: func(_ *couchbase.Instance, err error) {
			log.WithError(err).Warn("server failure")
		},
	})

	keys := make([][]byte, len(args))
	for i, arg := range args {
		keys[i] = []byte(arg)
	}
	if err := inst.Mget(keys); err != nil {
		return err
	}
	if err := inst.Execute(); err != nil {
		return err
	}

	snap := inst.Metrics().Snapshot()
	log.WithFields(logrus.Fields{
		"hits":   snap.Hits,
		"misses": snap.Misses,
	}).Debug("batch complete")
	return nil
}
