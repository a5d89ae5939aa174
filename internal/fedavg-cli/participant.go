package fedavg

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/medfl/fedavg/common/log"
	"github.com/medfl/fedavg/internal/crypto"
	"github.com/medfl/fedavg/internal/fs"
	"github.com/medfl/fedavg/internal/metrics"
	"github.com/medfl/fedavg/internal/metrics/pprof"
	"github.com/medfl/fedavg/internal/net"
)

const accessLogPerm = 0600

var participantCommand = &cli.Command{
	Name:  "serve-participant",
	Usage: "Serve a participant training on synthetic data over HTTP.",
	Flags: toArray(folderFlag, idFlag, listenFlag, accessLogFlag, samplesFlag,
		featuresFlag, classesFlag, taskFlag, seedFlag, skewFlag, metricsFlag,
		verboseFlag, jsonFlag),
	Action: func(c *cli.Context) error {
		return serveParticipantCmd(c, logger(c, "participant"))
	},
}

func serveParticipantCmd(c *cli.Context, l log.Logger) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	keys, err := nodeKeys(c, true)
	if err != nil {
		return err
	}
	id := c.String(idFlag.Name)
	p, err := localParticipant(c, id, c.Int64(seedFlag.Name), keys, l)
	if err != nil {
		return err
	}

	if c.IsSet(metricsFlag.Name) {
		lis := metrics.Start(l, c.String(metricsFlag.Name), pprof.WithProfile())
		if lis != nil {
			defer lis.Close()
		}
	}
	var access io.Writer
	if c.IsSet(accessLogFlag.Name) {
		f, err := os.OpenFile(c.String(accessLogFlag.Name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, accessLogPerm)
		if err != nil {
			return fmt.Errorf("failed to open access log: %w", err)
		}
		defer f.Close()
		access = f
	}
	return net.NewServer(p, l, access).ListenAndServe(ctx, c.String(listenFlag.Name))
}

// nodeKeys loads the key pair of the node, creating it when allowed.
func nodeKeys(c *cli.Context, create bool) (*crypto.Pair, error) {
	ks, err := fs.NewKeyStore(baseFolder(c))
	if err != nil {
		return nil, err
	}
	if ks.Exists() {
		return ks.Load()
	}
	if !create {
		return nil, fmt.Errorf("no key pair in %s, run 'fedavg keys generate' first", ks.Path())
	}
	p := crypto.NewKeyPair()
	return p, ks.Save(p)
}

var forceFlag = &cli.BoolFlag{
	Name:  "force",
	Usage: "Replace an existing key pair.",
}

var keysCommand = &cli.Command{
	Name:  "keys",
	Usage: "Manage the key pair of the node.",
	Subcommands: []*cli.Command{
		{
			Name:  "generate",
			Usage: "Generate the key pair of the node.",
			Flags: toArray(folderFlag, forceFlag),
			Action: func(c *cli.Context) error {
				ks, err := fs.NewKeyStore(baseFolder(c))
				if err != nil {
					return err
				}
				if ks.Exists() && !c.Bool(forceFlag.Name) {
					return fmt.Errorf("key pair already present in %s, use --%s to replace it", ks.Path(), forceFlag.Name)
				}
				p := crypto.NewKeyPair()
				if err := ks.Save(p); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "Generated key pair in %s\n", ks.Path())
				fmt.Fprintln(c.App.Writer, crypto.PointToString(p.Public))
				return nil
			},
		},
		{
			Name:  "show",
			Usage: "Print the public key of the node.",
			Flags: toArray(folderFlag),
			Action: func(c *cli.Context) error {
				p, err := nodeKeys(c, false)
				if err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, crypto.PointToString(p.Public))
				return nil
			},
		},
	},
}
