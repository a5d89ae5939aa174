package main

import (
	"os"

	"github.com/medfl/fedavg/common/log"
	fedavg "github.com/medfl/fedavg/internal/fedavg-cli"
)

func main() {
	app := fedavg.CLI()
	if err := app.Run(os.Args); err != nil {
		log.DefaultLogger().Fatalw("", "binary", "fedavg", "err", err)
	}
}
