// Command vpncore selects a server, probes its protocols and hands the
// connection to the tunnel process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/pborman/getopt/v2"

	"github.com/vpncore/vpncore/internal/intercept"
	"github.com/vpncore/vpncore/internal/model"
	"github.com/vpncore/vpncore/pkg/config"
	"github.com/vpncore/vpncore/pkg/vpncore"
)

var (
	startTime = time.Now()
)

func printUsage() {
	fmt.Println("valid commands: connect, servers, probe")
	getopt.Usage()
	os.Exit(0)
}

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file")
	optCountry := getopt.StringLong("country", 'x', "", "Exit country code")
	optServer := getopt.StringLong("server", 's', "", "Logical server ID")
	optProtocol := getopt.StringLong("protocol", 'p', "smart", "VPN protocol or smart")
	optTarget := getopt.StringLong("target", 't', "", "Entry IP to probe, with an optional :port")
	optKillSwitch := getopt.BoolLong("enable-kill-switch", 'k', "Accept enabling the kill switch when asked")
	optVerbosity := getopt.Uint16Long("verbosity", 'v', uint16(4), "Verbosity level (1 to 5, 1 is lowest)")

	helpFlag := getopt.Bool('h', "Display help")

	getopt.Parse()
	args := getopt.Args()

	if len(args) != 1 || *helpFlag || *optConfig == "" {
		printUsage()
	}

	verbosityLevel := log.InfoLevel
	switch *optVerbosity {
	case uint16(1):
		verbosityLevel = log.FatalLevel
	case uint16(2):
		verbosityLevel = log.ErrorLevel
	case uint16(3):
		verbosityLevel = log.WarnLevel
	case uint16(4):
		verbosityLevel = log.InfoLevel
	default:
		verbosityLevel = log.DebugLevel
	}

	logger := &log.Logger{Level: verbosityLevel, Handler: &logHandler{Writer: os.Stderr}}
	logger.Debugf("config file: %s", *optConfig)

	file, err := config.ReadConfigFile(*optConfig)
	if err != nil {
		fmt.Println("fatal: " + err.Error())
		os.Exit(1)
	}

	decision := intercept.DecisionConnectAnyway
	if *optKillSwitch {
		decision = intercept.DecisionEnableKillSwitch
	}
	cfg := config.NewConfig(
		config.WithLogger(logger),
		config.WithFile(file),
		config.WithDecider(intercept.Always(decision)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	core, err := vpncore.New(ctx, &net.Dialer{}, cfg)
	if err != nil {
		logger.WithError(err).Error("init error")
		os.Exit(1)
	}
	defer core.Close()

	switch args[0] {
	case "connect":
		protocol, err := model.ParseConnectionProtocol(*optProtocol)
		if err != nil {
			logger.WithError(err).Error("bad protocol")
			os.Exit(1)
		}
		err = runConnect(ctx, logger, core, newIntent(*optCountry, *optServer, protocol))
		if err != nil {
			logger.WithError(err).Error("connect error")
			os.Exit(1)
		}
	case "servers":
		runServers(core)
	case "probe":
		if err := runProbe(ctx, core, *optProtocol, *optTarget); err != nil {
			logger.WithError(err).Error("probe error")
			os.Exit(1)
		}
	default:
		printUsage()
	}
}

func newIntent(country, server string, protocol model.ConnectionProtocol) model.ConnectionIntent {
	intent := model.ConnectionIntent{Kind: model.IntentFastest, Protocol: protocol}
	switch {
	case server != "":
		intent.Kind = model.IntentServer
		intent.ServerID = server
	case country != "":
		intent.Kind = model.IntentCountry
		intent.CountryCode = country
	}
	return intent
}

func runConnect(ctx context.Context, logger model.Logger, core *vpncore.Core, intent model.ConnectionIntent) error {
	attempt, err := core.Connect(ctx, intent)
	var intercepted *vpncore.InterceptedError
	if errors.As(err, &intercepted) {
		logger.Warnf("%s: continuing with %s", intercepted.Error(), intercepted.Result.NewProtocol)
		attempt, err = core.ConnectConfirmed(ctx, intercepted)
	}
	if err != nil {
		return err
	}
	fmt.Printf("server:      %s (%s)\n", attempt.Selection.Server.Name, attempt.Selection.Address.EntryIP)
	fmt.Printf("protocol:    %s %v\n", attempt.Transport.Protocol, attempt.Transport.Ports)
	fmt.Printf("kill switch: %v\n", attempt.KillSwitch)
	fmt.Printf("elapsed:     %v\n", time.Since(startTime))

	// keep the certificate fresh until interrupted
	<-ctx.Done()
	return core.Disconnect(context.Background())
}

func runServers(core *vpncore.Core) {
	for _, group := range core.Catalog().Groups(model.ServerTypeStandard) {
		fmt.Printf("%-16s %3d servers  tier %d\n", group.Name(), len(group.Servers), group.LowestTier())
	}
}

func runProbe(ctx context.Context, core *vpncore.Core, name, target string) error {
	protocol, err := model.ParseVPNProtocol(name)
	if err != nil {
		return err
	}
	host, ports, err := splitTarget(target)
	if err != nil {
		return err
	}
	result, err := core.Probe(ctx, protocol, host, ports...)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s: %s\n", protocol, host, result)
	return nil
}

func splitTarget(target string) (string, []int, error) {
	if target == "" {
		return "", nil, errors.New("missing --target")
	}
	host, rawPort, err := net.SplitHostPort(target)
	if err != nil {
		return target, nil, nil
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return "", nil, err
	}
	return host, []int{port}, nil
}
