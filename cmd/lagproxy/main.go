// Command lagproxy forwards connections to a local port to a remote
// host/port, optionally adding in simulated network latency.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bencvt/lagproxy/internal/delay"
	"github.com/bencvt/lagproxy/internal/forwarder"
	"github.com/pborman/getopt/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// monitoringEpnt is the optional endpoint where we serve
	// prometheus metrics.
	monitoringEpnt = getopt.StringLong(
		"monitoring", 'm', "", "serve prometheus metrics at this endpoint")

	// quiet disables log output.
	quiet = getopt.BoolLong("quiet", 'q', "disable log output")

	// verbose enables debug log output.
	verbose = getopt.BoolLong("verbose", 'v', "enable debug log output")
)

// options contains the parsed positional arguments.
type options struct {
	// localPort is the local port to listen on.
	localPort int

	// remoteHost is the host to forward to.
	remoteHost string

	// remotePort is the port to forward to.
	remotePort int

	// policy is the delay policy, nil when no delay was requested.
	policy *delay.Policy
}

// remoteEndpoint returns the remote "host:port" endpoint.
func (opts *options) remoteEndpoint() string {
	return fmt.Sprintf("%s:%d", opts.remoteHost, opts.remotePort)
}

// parsePort parses a TCP port number.
func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("port out of range: %d", port)
	}
	return port, nil
}

// parseSeconds parses a decimal number of seconds into a duration.
func parseSeconds(s string) (time.Duration, error) {
	seconds, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// parseArgs parses the positional arguments. On failure the caller
// prints the usage text and exits without starting the listener.
func parseArgs(args []string) (*options, error) {
	if len(args) < 3 || len(args) > 5 {
		return nil, fmt.Errorf("expected 3 to 5 arguments, got %d", len(args))
	}
	localPort, err := parsePort(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid localport: %w", err)
	}
	remoteHost := args[1]
	if remoteHost == "" {
		return nil, fmt.Errorf("empty remotehost")
	}
	remotePort, err := parsePort(args[2])
	if err != nil {
		return nil, fmt.Errorf("invalid remoteport: %w", err)
	}
	opts := &options{
		localPort:  localPort,
		remoteHost: remoteHost,
		remotePort: remotePort,
		policy:     nil,
	}
	if len(args) > 3 {
		delayMin, err := parseSeconds(args[3])
		if err != nil {
			return nil, fmt.Errorf("invalid delaymin: %w", err)
		}
		delayMax := delayMin
		if len(args) > 4 {
			delayMax, err = parseSeconds(args[4])
			if err != nil {
				return nil, fmt.Errorf("invalid delaymax: %w", err)
			}
		}
		opts.policy = delay.New(delayMin, delayMax)
	}
	return opts, nil
}

// usage prints the usage text along with an example invocation.
func usage(fp *os.File) {
	getopt.PrintUsage(fp)
	fmt.Fprintf(fp, "\nExample: %s 8080 www.yahoo.com 80 0.6 1.4\n", os.Args[0])
	fmt.Fprintf(fp, "         Browsing http://localhost:8080 will then simulate a very laggy\n")
	fmt.Fprintf(fp, "         connection (600-1400ms latency) to www.yahoo.com.\n")
}

func main() {
	getopt.SetParameters("localport remotehost remoteport [delaymin [delaymax]]")
	getopt.Parse()
	opts, err := parseArgs(getopt.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "lagproxy: %s\n\n", err.Error())
		usage(os.Stderr)
		os.Exit(1)
	}

	logger := newLogger(*quiet, *verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *monitoringEpnt != "" {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.Handler())
		promSrv := &http.Server{Addr: *monitoringEpnt, Handler: promMux}
		go promSrv.ListenAndServe()
		defer promSrv.Close()
		logger.Infof("serving prometheus metrics at http://%s/", *monitoringEpnt)
	}

	fwd := forwarder.New(&forwarder.Config{
		DialTimeout:    0,
		LocalPort:      opts.localPort,
		Logger:         logger,
		Policy:         opts.policy,
		QueueCapacity:  0,
		RemoteEndpoint: opts.remoteEndpoint(),
	})
	if err := fwd.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "lagproxy: %s\n", err.Error())
		os.Exit(1)
	}
}
