package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/openmailer/dispatch/internal/model"
	"github.com/openmailer/dispatch/internal/transport"
)

var (
	testSMTPHost     string
	testSMTPPort     int
	testSMTPSecure   bool
	testSMTPUser     string
	testSMTPPassword string
	testSMTPTimeout  int
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Testing and debugging commands",
}

var testSMTPCmd = &cobra.Command{
	Use:   "smtp",
	Short: "Verify an SMTP credential without sending mail",
	RunE:  runTestSMTP,
}

func init() {
	testSMTPCmd.Flags().StringVar(&testSMTPHost, "host", "", "SMTP server hostname (required)")
	testSMTPCmd.Flags().IntVar(&testSMTPPort, "port", 587, "SMTP server port")
	testSMTPCmd.Flags().BoolVar(&testSMTPSecure, "secure", false, "Use implicit TLS")
	testSMTPCmd.Flags().StringVar(&testSMTPUser, "user", "", "Username")
	testSMTPCmd.Flags().StringVar(&testSMTPPassword, "password", "", "Password")
	testSMTPCmd.Flags().IntVar(&testSMTPTimeout, "timeout", 10, "Connection timeout in seconds")
	testSMTPCmd.MarkFlagRequired("host")

	testCmd.AddCommand(testSMTPCmd)
	rootCmd.AddCommand(testCmd)
}

func runTestSMTP(cmd *cobra.Command, args []string) error {
	fmt.Printf("Testing SMTP connection to %s:%d...\n", testSMTPHost, testSMTPPort)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := transport.NewClient("", time.Duration(testSMTPTimeout)*time.Second, logger)

	cred := model.Credential{
		Host:   testSMTPHost,
		Port:   testSMTPPort,
		Secure: testSMTPSecure,
		User:   testSMTPUser,
		Secret: testSMTPPassword,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(testSMTPTimeout)*time.Second)
	defer cancel()

	if err := client.Verify(ctx, cred); err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	fmt.Println("Connection OK")
	if testSMTPUser != "" {
		fmt.Println("Authentication OK")
	}
	return nil
}
