package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ptgott/emaillib/email"
	"github.com/ptgott/emaillib/userconfig"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// messageFlags collects the message fields shared by every subcommand.
type messageFlags struct {
	from        string
	to          []string
	cc          []string
	bcc         []string
	subject     string
	body        string
	bodyFile    string
	attachments []string
	content     string
}

func (mf *messageFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&mf.from, "from", "", "sender address")
	fs.StringArrayVar(&mf.to, "to", nil, "recipient address(es), repeatable or comma-delimited")
	fs.StringArrayVar(&mf.cc, "cc", nil, "carbon-copy address(es)")
	fs.StringArrayVar(&mf.bcc, "bcc", nil, "blind-copy address(es), never shown in the headers")
	fs.StringVar(&mf.subject, "subject", "", "message subject")
	fs.StringVar(&mf.body, "body", "", "message body")
	fs.StringVar(&mf.bodyFile, "body-file", "", "read the message body from this file instead of --body")
	fs.StringArrayVar(&mf.attachments, "attach", nil, "path of a file to attach, repeatable")
	fs.StringVar(&mf.content, "content", "text", `body content type: "text" or "html"`)
}

func (mf *messageFlags) fields() (email.Fields, error) {
	body := mf.body
	if mf.bodyFile != "" {
		b, err := os.ReadFile(mf.bodyFile)
		if err != nil {
			return email.Fields{}, fmt.Errorf("can't read the body file: %v", err)
		}
		body = string(b)
	}
	return email.Fields{
		Sender:      mf.from,
		To:          mf.to,
		Cc:          mf.cc,
		Bcc:         mf.bcc,
		Subject:     mf.subject,
		Body:        body,
		Attachments: mf.attachments,
		Content:     mf.content,
	}, nil
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "emaillib",
		Short:         "Send email with utf8 content and attachments through an SMTP relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(
		&configPath,
		"config",
		"./config.yaml",
		"path to a YAML file containing your SMTP configuration",
	)

	var (
		sendMsg messageFlags
		oneShot bool
	)
	sendCmd := &cobra.Command{
		Use:   "send",
		Short: "Connect to the relay, send one message and disconnect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := userconfig.Load(configPath)
			if err != nil {
				return err
			}
			f, err := sendMsg.fields()
			if err != nil {
				return err
			}
			logger := cfg.Log.NewLogger(cmd.ErrOrStderr())
			return send(cfg.SMTP, f, oneShot, logger)
		},
	}
	sendMsg.register(sendCmd)
	sendCmd.Flags().BoolVar(
		&oneShot,
		"oneshot",
		false,
		"use the fire-and-forget sender; failures are only logged",
	)

	var renderMsg messageFlags
	renderCmd := &cobra.Command{
		Use:   "render",
		Short: "Print the rendered message to stdout instead of sending it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := renderMsg.fields()
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), f)
		},
	}
	renderMsg.register(renderCmd)

	root.AddCommand(sendCmd, renderCmd)
	return root
}

func send(cfg userconfig.SMTP, f email.Fields, oneShot bool, logger zerolog.Logger) error {
	opts := cfg.TransportOptions(logger)

	if oneShot {
		email.NewEasySender(cfg.Address, opts...).Send(f)
		logger.Info().Msg("delivery attempted")
		return nil
	}

	tr := email.NewTransport(cfg.Address, opts...)
	if err := tr.Connect(); err != nil {
		return err
	}
	if err := tr.Deliver(f); err != nil {
		tr.Disconnect()
		return err
	}
	logger.Info().
		Str("from", f.Sender).
		Msg("message sent")
	return nil
}

func render(w io.Writer, f email.Fields) error {
	m, err := email.NewMessage(f)
	if err != nil {
		return err
	}
	_, err = m.WriteTo(w)
	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
