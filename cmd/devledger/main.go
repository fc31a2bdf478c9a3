// Command devledger serves an in-memory ledger over JSON-RPC for local runs
// of crankd. It creates a funded queue, seeds it with inline, remote and cron
// tasks and writes a crankd config that points at it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"crankd/internal/address"
	"crankd/internal/ledger"
	"crankd/internal/ledger/memory"
	"crankd/internal/ledger/rpc"
	"crankd/internal/policy"
	"crankd/internal/remote"
	"crankd/internal/txn"
	logx "crankd/pkg/logx"
)

// memoProgram has no handler in the memory ledger; invoking it only logs.
var memoProgram = address.Address{'m', 'e', 'm', 'o'}

const queueID = 1

func main() {
	var (
		addr     string
		dir      string
		tasks    int
		schedule string
		seed     bool
		level    string
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:8899", "listen address")
	flag.StringVar(&dir, "dir", "./devnet", "directory for keypairs and the generated crankd.yaml")
	flag.IntVar(&tasks, "tasks", 4, "inline tasks to seed")
	flag.StringVar(&schedule, "cron", "@every 1m", "schedule of the seeded cron chain (empty to skip)")
	flag.BoolVar(&seed, "seed", true, "create the queue and seed tasks")
	flag.StringVar(&level, "log-level", "info", "log level")
	flag.Parse()

	log := logx.NewConsole(level).With(logx.String("comp", "devledger"))
	if err := run(log, addr, dir, tasks, schedule, seed); err != nil {
		log.Error("devledger failed", logx.Err(err))
		os.Exit(1)
	}
}

func run(log logx.Logger, addr, dir string, tasks int, schedule string, seed bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	admin, err := loadOrCreate(filepath.Join(dir, "admin.json"))
	if err != nil {
		return err
	}
	crankKey, err := loadOrCreate(filepath.Join(dir, "crank.json"))
	if err != nil {
		return err
	}
	compute, err := loadOrCreate(filepath.Join(dir, "compute.json"))
	if err != nil {
		return err
	}

	l := memory.New(memory.Options{Log: log})
	l.Airdrop(admin.Address(), 1_000_000_000)
	l.Airdrop(crankKey.Address(), 10_000_000)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	base := "http://" + ln.Addr().String()

	build := func(_ context.Context, req remote.Request) ([]txn.Instruction, []txn.DerivedAuthority, error) {
		return []txn.Instruction{{
			Program:  memoProgram,
			Accounts: []txn.AccountRef{txn.ReadOnly(req.Task)},
			Data:     []byte(fmt.Sprintf("remote run queued_at=%d", req.TaskQueuedAt)),
		}}, nil, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/compute", remote.NewHandler(compute, txn.Compiler{Program: l.Program()}, build, log))
	mux.Handle("/", rpc.NewHandler(l, log))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	queue, _, err := address.TaskQueue(l.Program(), admin.Address(), queueID)
	if err != nil {
		return err
	}
	if seed {
		s := &seeder{l: l, admin: admin, program: l.Program()}
		if err := s.seed(ctx, queue, tasks, schedule, base+"/compute", compute.Address()); err != nil {
			_ = srv.Close()
			return err
		}
	}
	cfgPath := filepath.Join(dir, "crankd.yaml")
	if err := writeConfig(cfgPath, base, filepath.Join(dir, "crank.json"), queue); err != nil {
		_ = srv.Close()
		return err
	}
	log.Info("devledger ready",
		logx.String("rpc", base),
		logx.Stringer("program", l.Program()),
		logx.Stringer("queue", queue),
		logx.Stringer("crank", crankKey.Address()),
		logx.String("config", cfgPath),
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutCancel()
	return srv.Shutdown(shutCtx)
}

func loadOrCreate(path string) (txn.KeypairSigner, error) {
	k, err := txn.LoadKeypair(path)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return txn.KeypairSigner{}, err
	}
	k, err = txn.GenerateKeypair()
	if err != nil {
		return txn.KeypairSigner{}, err
	}
	if err := txn.SaveKeypair(path, k); err != nil {
		return txn.KeypairSigner{}, err
	}
	return k, nil
}

type seeder struct {
	l       *memory.Ledger
	admin   txn.KeypairSigner
	program address.Address
	nonce   uint64
}

func (s *seeder) submit(ctx context.Context, ops ...ledger.Op) error {
	s.nonce++
	tx := &ledger.Transaction{Nonce: s.nonce, Ops: ops}
	if err := tx.Sign(s.admin); err != nil {
		return err
	}
	_, err := s.l.Submit(ctx, tx)
	return err
}

func (s *seeder) seed(ctx context.Context, queue address.Address, n int, schedule, computeURL string, computeKey address.Address) error {
	if err := s.submit(ctx, ledger.Op{CreateQueue: &ledger.CreateQueue{
		ID:             queueID,
		Name:           "devnet",
		Capacity:       64,
		MinCrankReward: 1_000,
		StaleTaskAge:   3600,
	}}); err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	q, err := s.l.Queue(ctx, queue)
	if err != nil {
		return err
	}

	id := uint16(0)
	for i := 0; i < n && int(id) < int(q.Capacity)-2; i++ {
		c, err := txn.Compiler{Program: s.program}.Compile([]txn.Instruction{{
			Program:  memoProgram,
			Accounts: []txn.AccountRef{txn.Writable(s.admin.Address())},
			Data:     []byte(fmt.Sprintf("inline task %d", i)),
		}}, nil)
		if err != nil {
			return err
		}
		trigger := ledger.Immediate()
		if i%2 == 1 {
			trigger = ledger.At(time.Now().Add(time.Duration(i) * 10 * time.Second))
		}
		if err := s.submit(ctx, ledger.Op{QueueTask: &ledger.QueueTask{
			Queue:       queue,
			TaskID:      id,
			Trigger:     trigger,
			Payload:     ledger.Inline(c),
			CrankReward: 2_000,
			Description: fmt.Sprintf("inline %d", i),
		}}); err != nil {
			return fmt.Errorf("queue inline %d: %w", i, err)
		}
		id++
	}

	if err := s.submit(ctx, ledger.Op{QueueTask: &ledger.QueueTask{
		Queue:       queue,
		TaskID:      id,
		Trigger:     ledger.Immediate(),
		Payload:     ledger.Remote(computeURL, computeKey),
		CrankReward: 3_000,
		Description: "remote",
	}}); err != nil {
		return fmt.Errorf("queue remote: %w", err)
	}
	id++

	if schedule == "" {
		return nil
	}
	c := policy.Cron{Program: s.program, Schedule: schedule, CrankReward: 1_500, Description: "cron", FunderSeeds: [][]byte{[]byte("devnet-cron")}}
	funder, err := c.Funder(queue)
	if err != nil {
		return err
	}
	s.l.Airdrop(funder, 100_000_000)
	op, err := c.Op(q, id, nil, nil, time.Now())
	if err != nil {
		return fmt.Errorf("cron: %w", err)
	}
	if err := s.submit(ctx, ledger.Op{QueueTask: op}); err != nil {
		return fmt.Errorf("queue cron: %w", err)
	}
	return nil
}

func writeConfig(path, endpoint, keypair string, queue address.Address) error {
	body := fmt.Sprintf(`logging:
  level: info
  console: true
ledger:
  endpoint: %q
  keypair: %q
crank:
  queue: %q
  poll_interval: 2s
storage:
  driver: sqlite
  path: %q
status:
  enabled: true
  addr: 127.0.0.1:9464
`, endpoint, keypair, queue.String(), filepath.Join(filepath.Dir(path), "crankd.db"))
	return os.WriteFile(path, []byte(body), 0o600)
}
