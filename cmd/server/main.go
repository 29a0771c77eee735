package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"raven/internal/conf"
	"raven/internal/db"
	"raven/internal/server"
)

func main() {
	dbPath := flag.String("db", "data", "Path to database directory")
	plainAddr := flag.String("addr", ":143", "Plaintext/STARTTLS listen address")
	tlsAddr := flag.String("tls-addr", ":993", "Implicit-TLS listen address")
	certFile := flag.String("cert", "/certs/fullchain.pem", "TLS certificate path")
	keyFile := flag.String("key", "/certs/privkey.pem", "TLS private key path")
	flag.Parse()

	log.Println("Starting Raven IMAP server...")

	dbManager, err := db.NewDBManager(*dbPath)
	if err != nil {
		log.Fatal("Failed to initialize database manager:", err)
	}
	defer dbManager.Close()
	log.Printf("Database manager initialized: %s", *dbPath)

	if _, err := conf.LoadConfig(); err != nil {
		log.Printf("Warning: no raven.yaml found (%v); running with defaults and no remote auth", err)
	}

	imapServer := server.NewIMAPServer(dbManager)
	imapServer.SetTLSCertificates(*certFile, *keyFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Listening on %s (plaintext/STARTTLS) and %s (implicit TLS)", *plainAddr, *tlsAddr)
	if err := imapServer.ListenAndServe(ctx, *plainAddr, *tlsAddr); err != nil {
		log.Fatal("Server error:", err)
	}
	log.Println("Raven IMAP server stopped")
}
