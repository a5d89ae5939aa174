// Package fedavg is the command line interface of the federated averaging
// coordinator and of its participants.
package fedavg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"

	"github.com/medfl/fedavg/common/log"
	"github.com/medfl/fedavg/internal/core"
	"github.com/medfl/fedavg/internal/fs"
	"github.com/medfl/fedavg/internal/store/boltdb"
)

// Automatically set through -ldflags
// Example: go install -ldflags "-X github.com/medfl/fedavg/internal/fedavg-cli.buildDate=$(date -u +%d/%m/%Y@%H:%M:%S) -X github.com/medfl/fedavg/internal/fedavg-cli.gitCommit=$(git rev-parse HEAD)"
var (
	gitCommit = "none"
	buildDate = "unknown"
	version   = "0.3.0"
)

var SetVersionPrinter sync.Once

var folderFlag = &cli.StringFlag{
	Name:    "folder",
	Value:   fs.DefaultBaseFolder(),
	Usage:   "Folder keeping the round database and the keys of the node, with absolute path.",
	EnvVars: []string{"FEDAVG_FOLDER"},
}

var verboseFlag = &cli.BoolFlag{
	Name:    "verbose",
	Usage:   "If set, verbosity is at the debug level",
	EnvVars: []string{"FEDAVG_VERBOSE"},
}

var jsonFlag = &cli.BoolFlag{
	Name:    "json",
	Usage:   "Log in JSON instead of the console format.",
	EnvVars: []string{"FEDAVG_JSON"},
}

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "TOML file with the run configuration. Unset values keep their defaults.",
	EnvVars: []string{"FEDAVG_CONFIG"},
}

var modeFlag = &cli.StringFlag{
	Name:  "mode",
	Usage: "Run mode: initial, additional or test-only. Overrides the config file.",
}

var metricsFlag = &cli.StringFlag{
	Name:    "metrics",
	Usage:   "Launch a metrics server at the specified (host:)port.",
	EnvVars: []string{"FEDAVG_METRICS"},
}

var participantFlag = &cli.StringSliceFlag{
	Name:  "participant",
	Usage: "Address of a remote participant. Can be repeated.",
}

var simulateFlag = &cli.IntFlag{
	Name:  "simulate",
	Usage: "Number of in process participants trained on synthetic data.",
	Value: 0,
}

var samplesFlag = &cli.IntFlag{
	Name:  "samples",
	Usage: "Number of synthetic samples per participant.",
	Value: 500,
}

var featuresFlag = &cli.IntFlag{
	Name:  "features",
	Usage: "Number of features of the synthetic task.",
	Value: 8,
}

var classesFlag = &cli.IntFlag{
	Name:  "classes",
	Usage: "Number of classes of the synthetic task.",
	Value: 3,
}

var taskFlag = &cli.Int64Flag{
	Name:  "task",
	Usage: "Seed of the synthetic task shared by every node.",
	Value: 1,
}

var seedFlag = &cli.Int64Flag{
	Name:  "seed",
	Usage: "Seed of the samples of this node.",
	Value: 1,
}

var skewFlag = &cli.Float64Flag{
	Name:  "skew",
	Usage: "Share of samples forced to label 0.",
}

var idFlag = &cli.StringFlag{
	Name:     "id",
	Usage:    "Identifier of the participant.",
	Required: true,
}

var listenFlag = &cli.StringFlag{
	Name:  "listen",
	Usage: "Address the participant listens on.",
	Value: "127.0.0.1:9090",
}

var accessLogFlag = &cli.StringFlag{
	Name:  "access-log",
	Usage: "File to log http accesses to.",
}

var backupFlag = &cli.StringFlag{
	Name:  "backup",
	Usage: "Name of the backup kept before a reset.",
}

var clientFlag = &cli.StringFlag{
	Name:  "client",
	Usage: "Only show this client.",
}

var reasonFlag = &cli.StringFlag{
	Name:  "reason",
	Usage: "Why the client is revoked.",
	Value: "revoked by operator",
}

var targetEpsilonFlag = &cli.Float64Flag{
	Name:  "target-epsilon",
	Usage: "Per client ε ceiling the ledger is reported against.",
	Value: core.DefaultPrivacyParams().TargetEpsilon,
}

var appCommands = []*cli.Command{
	runCommand,
	participantCommand,
	keysCommand,
	ledgerCommand,
	verifyCommand,
	historyCommand,
	reportCommand,
}

// CLI runs the fedavg command line.
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "fedavg"

	SetVersionPrinter.Do(func() {
		cli.VersionPrinter = func(c *cli.Context) {
			fmt.Fprintf(c.App.Writer, "fedavg %s (date %v, commit %v)\n", version, buildDate, gitCommit)
		}
	})

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = version
	app.Usage = "federated averaging with secure aggregation and differential privacy"
	// cli does not support concurrent runs of shared commands
	appComm := make([]*cli.Command, len(appCommands))
	for i, p := range appCommands {
		v := *p
		appComm[i] = &v
	}
	app.Commands = appComm
	verbFlag := *verboseFlag
	foldFlag := *folderFlag
	app.Flags = toArray(&verbFlag, &foldFlag)
	return app
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

func isVerbose(c *cli.Context) bool {
	for _, l := range c.Lineage() {
		if l.Bool(verboseFlag.Name) {
			return true
		}
	}
	return false
}

func logLevel(c *cli.Context) int {
	if isVerbose(c) {
		return log.DebugLevel
	}
	return log.InfoLevel
}

func logger(c *cli.Context, name string) log.Logger {
	return log.New(nil, logLevel(c), c.Bool(jsonFlag.Name)).Named(name)
}

func baseFolder(c *cli.Context) string {
	for _, l := range c.Lineage() {
		if l.IsSet(folderFlag.Name) {
			return l.String(folderFlag.Name)
		}
	}
	return folderFlag.Value
}

// openStore opens the round database of the node.
func openStore(ctx context.Context, c *cli.Context, l log.Logger) (*boltdb.Store, error) {
	folder, err := fs.CreateSecureFolder(filepath.Join(baseFolder(c), fs.DBFolderName))
	if err != nil {
		return nil, err
	}
	return boltdb.NewStore(ctx, l, folder, nil)
}

// loadConfig merges the config file, if any, with the command line flags.
func loadConfig(c *cli.Context, l log.Logger) (*core.Config, error) {
	file := new(core.ConfigFile)
	if c.IsSet(configFlag.Name) {
		var err error
		if file, err = core.LoadConfigFile(c.String(configFlag.Name)); err != nil {
			return nil, err
		}
	}
	if c.IsSet(modeFlag.Name) {
		file.Mode = c.String(modeFlag.Name)
	}
	opts, err := file.Options()
	if err != nil {
		return nil, err
	}
	opts = append(opts, core.WithLogger(l))
	conf := core.NewConfig(opts...)
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return conf, nil
}

func printJSON(w io.Writer, j interface{}) error {
	buff, err := json.MarshalIndent(j, "", "    ")
	if err != nil {
		return fmt.Errorf("could not JSON marshal: %w", err)
	}
	fmt.Fprintln(w, string(buff))
	return nil
}

var errNoParticipant = errors.New("no participant: use --participant or --simulate")
