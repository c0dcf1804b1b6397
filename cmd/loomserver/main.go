package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/It4innovations/HyperLoom-sub000/cmd/loomserver/cmd"
)

func main() {
	root := cmd.RootCmd()
	if err := viper.BindPFlags(root.PersistentFlags()); err != nil {
		log.WithError(err).Fatal("error binding command line flags")
	}
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
