package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencpi/opencpi-sub021/endpoint"
)

// endpointView is the printed form of an endpoint.
type endpointView struct {
	Protocol string `yaml:"protocol"`
	Address  string `yaml:"address"`
	Target   string `yaml:"target"`
	Offset   uint64 `yaml:"offset"`
	Size     uint64 `yaml:"size"`
	Mailbox  uint16 `yaml:"mailbox"`
	MaxCount uint16 `yaml:"max-count"`
}

func viewOf(ep *endpoint.EndPoint) endpointView {
	return endpointView{
		Protocol: ep.Protocol,
		Address:  ep.Address,
		Target:   ep.Target,
		Offset:   ep.Offset,
		Size:     ep.Size,
		Mailbox:  ep.Mailbox,
		MaxCount: ep.MaxCount,
	}
}

func newEndpointCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Parse, format and allocate endpoint strings",
	}

	parse := &cobra.Command{
		Use:   "parse <endpoint>",
		Short: "Print the fields of an endpoint string",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := endpoint.Parse(args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), viewOf(ep))
		},
	}

	var v endpointView
	format := &cobra.Command{
		Use:   "format",
		Short: "Build an endpoint string from its fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := endpoint.Format(v.Protocol, v.Address, v.Size, v.Mailbox, v.MaxCount)
			// Round trip to reject what Parse would not accept.
			if _, err := endpoint.Parse(s); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
	format.Flags().StringVar(&v.Protocol, "protocol", "", "transport protocol")
	format.Flags().StringVar(&v.Address, "address", "", "transport address")
	format.Flags().Uint64Var(&v.Size, "size", 0, "window size in bytes")
	format.Flags().Uint16Var(&v.Mailbox, "mailbox", 0, "mailbox")
	format.Flags().Uint16Var(&v.MaxCount, "max-count", 0, "size of the mailbox space")
	_ = format.MarkFlagRequired("protocol")
	_ = format.MarkFlagRequired("address")

	var size uint64
	allocate := &cobra.Command{
		Use:   "allocate <protocol>",
		Short: "Allocate a local endpoint of this node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.open(cmd)
			if err != nil {
				return err
			}
			f, err := d.Registry().Factory(args[0])
			if err != nil {
				return err
			}
			s, err := f.AllocateEndpoint(size)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	}
	allocate.Flags().Uint64Var(&size, "size", 1<<20, "window size in bytes")

	cmd.AddCommand(parse, format, allocate)
	return cmd
}
