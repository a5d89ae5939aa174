package fedavg

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/medfl/fedavg/common/log"
	"github.com/medfl/fedavg/internal/client"
	"github.com/medfl/fedavg/internal/core"
	"github.com/medfl/fedavg/internal/crypto"
	"github.com/medfl/fedavg/internal/metrics"
	"github.com/medfl/fedavg/internal/metrics/pprof"
	"github.com/medfl/fedavg/internal/net"
	"github.com/medfl/fedavg/internal/protocol"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run the rounds of a mode and print the training report.",
	Flags: toArray(folderFlag, configFlag, modeFlag, participantFlag, simulateFlag,
		samplesFlag, featuresFlag, classesFlag, taskFlag, seedFlag, skewFlag,
		metricsFlag, verboseFlag, jsonFlag),
	Action: func(c *cli.Context) error {
		return runCmd(c, logger(c, "runCmd"))
	},
}

func runCmd(c *cli.Context, l log.Logger) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, err := loadConfig(c, l)
	if err != nil {
		return err
	}
	if c.IsSet(metricsFlag.Name) {
		lis := metrics.Start(l, c.String(metricsFlag.Name), pprof.WithProfile())
		if lis != nil {
			defer lis.Close()
		}
	}

	st, err := openStore(ctx, c, l)
	if err != nil {
		return err
	}
	defer st.Close()

	features, classes := c.Int(featuresFlag.Name), c.Int(classesFlag.Name)
	// the held out set of the coordinator uses its own seed
	test := client.Synthetic(c.Int64(taskFlag.Name), c.Int64(seedFlag.Name), c.Int(samplesFlag.Name), features, classes, 0)
	model, err := client.NewHeldOut(features, classes, test)
	if err != nil {
		return err
	}

	coord, err := core.NewCoordinator(ctx, conf, st, model)
	if err != nil {
		return err
	}
	participants, err := participants(c, l)
	if err != nil {
		return err
	}
	if len(participants) == 0 && conf.Mode().Kind != core.TestOnly {
		return errNoParticipant
	}
	for _, p := range participants {
		if err := coord.AddParticipant(ctx, p); err != nil {
			// an unverified participant is simply never selected
			l.Warnw("participant not verified", "err", err)
		}
	}

	rep, err := coord.Run(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.App.Writer, rep)
}

// participants returns the remote participants and the simulated ones. The
// simulated ones draw their samples from the same task with their own seed.
func participants(c *cli.Context, l log.Logger) ([]protocol.Participant, error) {
	var out []protocol.Participant
	for _, addr := range c.StringSlice(participantFlag.Name) {
		out = append(out, net.NewClient(addr, nil))
	}
	for i := 0; i < c.Int(simulateFlag.Name); i++ {
		id := fmt.Sprintf("sim-%d", i)
		p, err := localParticipant(c, id, c.Int64(seedFlag.Name)+int64(i)+1, crypto.NewKeyPair(), l)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func localParticipant(c *cli.Context, id string, seed int64, keys *crypto.Pair, l log.Logger) (*client.Participant, error) {
	features, classes := c.Int(featuresFlag.Name), c.Int(classesFlag.Name)
	data := client.Synthetic(c.Int64(taskFlag.Name), seed, c.Int(samplesFlag.Name), features, classes, c.Float64(skewFlag.Name))
	train, test := data.Split(0.8)
	tr, err := client.NewLogistic(features, classes, train, test)
	if err != nil {
		return nil, err
	}
	return client.New(id, keys, tr, client.WithLogger(l))
}
