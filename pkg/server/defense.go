package server

import (
	"os"
	"time"

	"github.com/thefeshin/hush/pkg/database"
)

// Defense escalation modes
const (
	DefenseModeIPTemp         = "ip_temp"
	DefenseModeIPPerm         = "ip_perm"
	DefenseModeDBWipe         = "db_wipe"
	DefenseModeDBWipeShutdown = "db_wipe_shutdown"
)

// DefenseEngine tracks authentication failures per IP and executes the
// configured escalation once the threshold is reached. In panic mode any
// single failure wipes the database and terminates the process.
type DefenseEngine struct {
	db           *database.DB
	maxFailures  int
	mode         string
	tempBlockFor time.Duration
	panicMode    bool
	metrics      *Metrics

	// exit is os.Exit in production; tests inject a recorder. Termination
	// is immediate on purpose: a deployment under active credential attack
	// in wipe+shutdown mode must not keep serving anything.
	exit func(code int)
}

// NewDefenseEngine builds the engine from server config
func NewDefenseEngine(db *database.DB, cfg ServerConfig, metrics *Metrics) *DefenseEngine {
	return &DefenseEngine{
		db:           db,
		maxFailures:  cfg.MaxAuthFailures,
		mode:         cfg.DefenseMode,
		tempBlockFor: time.Duration(cfg.TempBlockMinutes) * time.Minute,
		panicMode:    cfg.PanicMode,
		metrics:      metrics,
		exit:         os.Exit,
	}
}

// RecordFailure registers one failed authentication attempt for the IP
// and returns how many attempts remain before escalation. When the
// threshold is crossed (or panic mode is on) the configured policy fires
// before this returns.
func (e *DefenseEngine) RecordFailure(ip string) (remaining int, err error) {
	e.metrics.AuthFailures.Inc()

	if e.panicMode {
		securityLog.Printf("PANIC MODE: auth failure from %s, wiping and terminating", ip)
		e.wipe()
		e.exit(1)
		return 0, nil // unreachable outside tests
	}

	count, err := e.db.RecordAuthFailure(ip)
	if err != nil {
		return 0, err
	}
	remaining = e.maxFailures - count
	securityLog.Printf("Auth failure from %s (%d/%d)", ip, count, e.maxFailures)

	if remaining <= 0 {
		if err := e.TriggerPolicy(ip); err != nil {
			return remaining, err
		}
	}
	return remaining, nil
}

// ResetFailures clears the IP's failure record after a successful login
func (e *DefenseEngine) ResetFailures(ip string) error {
	return e.db.ResetAuthFailures(ip)
}

// TriggerPolicy executes the configured escalation for an IP that has
// exhausted its failure budget
func (e *DefenseEngine) TriggerPolicy(ip string) error {
	switch e.mode {
	case DefenseModeIPTemp:
		until := time.Now().Add(e.tempBlockFor).UnixMilli()
		if err := e.db.BlockIP(ip, &until, "auth_failure"); err != nil {
			return err
		}
		e.metrics.IPBlocks.WithLabelValues("temp").Inc()
		securityLog.Printf("Temporarily blocked %s until %s", ip, time.UnixMilli(until).UTC().Format(time.RFC3339))
		return e.db.ResetAuthFailures(ip)

	case DefenseModeIPPerm:
		if err := e.db.BlockIP(ip, nil, "auth_failure"); err != nil {
			return err
		}
		e.metrics.IPBlocks.WithLabelValues("perm").Inc()
		securityLog.Printf("Permanently blocked %s", ip)
		return e.db.ResetAuthFailures(ip)

	case DefenseModeDBWipe:
		securityLog.Printf("Wiping database after repeated auth failures from %s", ip)
		e.wipe()
		return nil

	case DefenseModeDBWipeShutdown:
		securityLog.Printf("Wiping database and terminating after repeated auth failures from %s", ip)
		e.wipe()
		e.exit(1)
		return nil

	default:
		// Unknown mode falls back to a temporary block rather than doing
		// nothing: misconfiguration must not disable the defense entirely
		errorLog.Printf("Unknown defense mode %q, falling back to %s", e.mode, DefenseModeIPTemp)
		until := time.Now().Add(e.tempBlockFor).UnixMilli()
		if err := e.db.BlockIP(ip, &until, "auth_failure"); err != nil {
			return err
		}
		e.metrics.IPBlocks.WithLabelValues("temp").Inc()
		return e.db.ResetAuthFailures(ip)
	}
}

func (e *DefenseEngine) wipe() {
	if err := e.db.WipeData(); err != nil {
		errorLog.Printf("Data wipe failed: %v", err)
		return
	}
	e.metrics.DataWipes.Inc()
}

// CheckBlocked reports whether the IP is currently blocked. Expired
// temporary blocks are evicted here, on check, instead of by a dedicated
// sweeper; the table stays small because every lookup cleans up after
// itself.
func (e *DefenseEngine) CheckBlocked(ip string) (bool, error) {
	block, err := e.db.GetIPBlock(ip)
	if err != nil {
		return false, err
	}
	if block == nil {
		return false, nil
	}
	if block.ExpiresAt == nil {
		return true, nil
	}
	if time.Now().UnixMilli() < *block.ExpiresAt {
		return true, nil
	}

	if err := e.db.UnblockIP(ip); err != nil {
		errorLog.Printf("Failed to evict expired block for %s: %v", ip, err)
	}
	return false, nil
}
