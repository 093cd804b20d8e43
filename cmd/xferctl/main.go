// Command xferctl inspects endpoints and manages the endpoint directory.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opencpi/opencpi-sub021/config"
	"github.com/opencpi/opencpi-sub021/dataplane"
	"github.com/opencpi/opencpi-sub021/directory"
)

// app is the state shared by the commands of one root.
type app struct {
	cfgFile   string
	node      string
	etcd      []string
	logLevel  string
	conf      *config.Config
	dataplane *dataplane.Dataplane
}

// open loads the configuration and creates the dataplane on first use.
func (a *app) open(cmd *cobra.Command) (*dataplane.Dataplane, error) {
	if a.dataplane != nil {
		return a.dataplane, nil
	}
	var (
		conf *config.Config
		err  error
	)
	if a.cfgFile != "" {
		conf, err = config.Load(a.cfgFile)
	} else {
		conf, err = config.Parse(nil)
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading config")
	}

	// Apply CLI overrides if necessary.
	if a.node != "" {
		conf.Registry.Node = a.node
	}
	if len(a.etcd) > 0 {
		conf.Directory.Backend = directory.BackendEtcd
		conf.Directory.Endpoints = a.etcd
	}
	if a.logLevel != "" {
		conf.Log.Level = a.logLevel
	}
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	d, err := dataplane.New(*conf, conf.Log.Logger(cmd.ErrOrStderr()))
	if err != nil {
		return nil, err
	}
	a.conf, a.dataplane = conf, d
	return d, nil
}

func (a *app) close() error {
	if a.dataplane == nil {
		return nil
	}
	err := a.dataplane.Close()
	a.dataplane = nil
	return err
}

func printYAML(w io.Writer, v any) error {
	b, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "xferctl",
		Short:         "Inspect transfer endpoints and manage the endpoint directory",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "path to config YAML file")
	root.PersistentFlags().StringVar(&a.node, "node", "", "node id of allocated endpoints")
	root.PersistentFlags().StringSliceVar(&a.etcd, "etcd", nil, "etcd endpoints of the directory")
	root.PersistentFlags().StringVarP(&a.logLevel, "verbosity", "v", "", "log level")

	root.AddCommand(
		newEndpointCmd(a),
		newPublishCmd(a),
		newLookupCmd(a),
		newListCmd(a),
		newWithdrawCmd(a),
		newTransportsCmd(a),
		newConfigCmd(a),
	)
	return root
}

func newTransportsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "transports",
		Short: "List the registered transports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.open(cmd)
			if err != nil {
				return err
			}
			for _, p := range d.Registry().Protocols() {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.open(cmd); err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), a.conf)
		},
	}
}

func main() {
	a := &app{}
	err := newRootCmd(a).Execute()
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
