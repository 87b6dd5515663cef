package server

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
	// securityLog records auth failures, blocks, wipes and shutdowns so the
	// operator can reconstruct an attack after the fact
	securityLog *log.Logger
)

func init() {
	// Safe defaults until initLoggers runs; tests use these
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	securityLog = log.New(os.Stderr, "SECURITY: ", log.LstdFlags)
}

// initLoggers sets up error, debug and security loggers under dataDir
func initLoggers(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open error log: %w", err)
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	securityLogPath := filepath.Join(dataDir, "security.log")
	securityFile, err := os.OpenFile(securityLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open security log: %w", err)
	}
	securityLog = log.New(io.MultiWriter(os.Stderr, securityFile), "SECURITY: ", log.LstdFlags)

	// Debug log goes to io.Discard by default (can be enabled via EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open server log: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	debugLogPath := filepath.Join(s.dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		errorLog.Printf("Failed to open debug log: %v", err)
		return
	}
	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}
