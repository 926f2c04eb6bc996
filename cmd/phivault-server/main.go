// Command phivault-server runs the compliance engine's read-only HTTP API
// over a local audit chain. Configuration comes from PHIVAULT_* environment
// variables (a .env file is honored in development); any configuration or
// policy error is fatal at startup, never degraded at request time.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	phivault "github.com/careport/phivault"
	"github.com/careport/phivault/httpapi"
	"github.com/careport/phivault/internal/chainstore"
	"github.com/careport/phivault/internal/monitoring"
	"github.com/careport/phivault/providers/awskms"
	"github.com/careport/phivault/providers/hashicorpvault"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("phivault-server: %v", err)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := phivault.ConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kms, err := newKMS(ctx)
	if err != nil {
		return err
	}

	hook := monitoring.NewLoggingHook(nil)

	codec, err := phivault.NewCodec(ctx, kms, cfg, phivault.WithCodecObservabilityHook(hook))
	if err != nil {
		return err
	}
	defer codec.Close()

	store, err := chainstore.Open(cfg.AuditDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	writer, err := phivault.NewChainWriter(ctx, store,
		phivault.WithAppendTimeout(cfg.AppendTimeout),
		phivault.WithChainObservabilityHook(hook),
	)
	if err != nil {
		return err
	}

	// A missing or malformed policy table must stop the process; serving
	// PHI traffic without one would mean serving it without authorization.
	policyCfg, err := phivault.LoadPolicyConfig(cfg.PolicyPath)
	if err != nil {
		return err
	}
	table, err := phivault.NewPolicyTable(policyCfg)
	if err != nil {
		return err
	}

	policy, err := phivault.NewPolicyEngine(table, writer)
	if err != nil {
		return err
	}
	engine, err := phivault.NewEngine(codec, policy, writer, store)
	if err != nil {
		return err
	}

	reporter, err := phivault.NewReporter(store, phivault.WithPrivilegedRoles(table.PrivilegedRoles()))
	if err != nil {
		return err
	}

	if result, err := engine.Verify(ctx, 1, 0); err != nil {
		log.Printf("startup chain verification could not run: %v", err)
	} else if !result.Valid {
		log.Printf("WARNING: audit chain broken at seq %d: %s", result.FirstBrokenSeq, result.Reason)
	} else {
		log.Printf("audit chain verified: %d entries intact", result.EntriesChecked)
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      httpapi.NewServer(store, reporter),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("phivault read API listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newKMS selects the key management backend from PHIVAULT_KMS_PROVIDER:
// "aws" (default), or "vault" for HashiCorp Vault Transit.
func newKMS(ctx context.Context) (phivault.KeyManagementService, error) {
	switch provider := os.Getenv("PHIVAULT_KMS_PROVIDER"); provider {
	case "", "aws":
		return awskms.New(ctx, awskms.Config{Region: os.Getenv("AWS_REGION")})
	case "vault":
		return hashicorpvault.New()
	default:
		return nil, fmt.Errorf("%w: unknown PHIVAULT_KMS_PROVIDER %q", phivault.ErrInvalidConfiguration, provider)
	}
}
