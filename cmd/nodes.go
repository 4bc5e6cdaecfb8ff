package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const (
	executorsFlag = "executors"
	labelFlag     = "label"
	reasonFlag    = "reason"
)

func newAddNodeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-node [host]",
		Short: "Register host as an agent node, unless it already exists",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := a.host(cmd, args)
			if err != nil {
				return err
			}
			executors, _ := cmd.Flags().GetInt(executorsFlag)
			labels, _ := cmd.Flags().GetStringSlice(labelFlag)
			if executors < 1 {
				return fmt.Errorf("executors must be positive, got %d", executors)
			}
			return a.master().AddNode(commandContext(cmd), host, executors, labels)
		},
	}
	cmd.Flags().Int(executorsFlag, 1, "Number of CPUs of the host; the node gets twice as many executors")
	cmd.Flags().StringSlice(labelFlag, nil, "Label to attach to the node (repeatable)")
	return cmd
}

func newDeleteNodeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-node [host]",
		Short: "Remove host from the master, if it is registered",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := a.host(cmd, args)
			if err != nil {
				return err
			}
			return a.master().DeleteNode(commandContext(cmd), host)
		},
	}
}

func newNodeStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "node-status [host]",
		Short: "Print whether host is online and how many executors it has",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := a.host(cmd, args)
			if err != nil {
				return err
			}
			status, err := a.master().NodeStatus(commandContext(cmd), host)
			if err != nil {
				return err
			}
			state := "online"
			if !status.Online() {
				state = "offline"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\texecutors=%d", host, state, status.NumExecutors)
			if status.OfflineCauseReason != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "\treason=%q", status.OfflineCauseReason)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}

func newOfflineCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offline [host]",
		Short: "Mark host temporarily offline so it takes no new builds",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := a.host(cmd, args)
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString(reasonFlag)
			return a.master().SetNodeOffline(commandContext(cmd), host, reason)
		},
	}
	cmd.Flags().String(reasonFlag, "", "Reason shown in Jenkins for taking the node offline")
	return cmd
}

func newOnlineCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "online [host]",
		Short: "Bring a temporarily offline host back online",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := a.host(cmd, args)
			if err != nil {
				return err
			}
			return a.master().SetNodeOnline(commandContext(cmd), host)
		},
	}
}
