// calltrace-demo runs a small workload with the calltrace agent embedded,
// so that the calltrace client has something to attach to.
//
//	calltrace-demo &
//	calltrace -p $! -m 'Shop::Cart#total(@items)' --gc
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrzor/calltrace/internal/agent"
	"github.com/mrzor/calltrace/internal/config"
	"github.com/mrzor/calltrace/internal/interp"
	"github.com/mrzor/calltrace/internal/log"
	"github.com/mrzor/calltrace/internal/objspace"
	"github.com/spf13/cobra"
)

var version = "dev"

type demoOptions struct {
	interval time.Duration
	gcEvery  int
}

func main() {
	opts := &demoOptions{}
	cmd := &cobra.Command{
		Use:          "calltrace-demo",
		Short:        "Run a traceable workload",
		Version:      version,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().DurationVar(&opts.interval, "interval", 100*time.Millisecond, "pause between workload iterations")
	cmd.Flags().IntVar(&opts.gcEvery, "gc-every", 10, "run a collection every N iterations (0 disables)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *demoOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.ParseCore()
	if err != nil {
		return err
	}
	logOpts, err := cfg.LogOptions()
	if err != nil {
		return err
	}
	if err := log.Init(logOpts); err != nil {
		return err
	}
	defer log.Close()

	space, err := objspace.New(objspace.Options{})
	if err != nil {
		return err
	}
	w, err := newWorkload(space)
	if err != nil {
		return err
	}

	a, err := agent.New(space, space, agent.Options{Config: cfg})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("closing agent", "error", err)
		}
	}()
	a.Notify()

	fmt.Printf("calltrace-demo running as pid %d\n", a.PID())
	log.Info("demo started", "pid", a.PID(), "interval", opts.interval)

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	for i := 1; ; i++ {
		select {
		case <-ctx.Done():
			log.Info("demo stopping")
			return nil
		case <-ticker.C:
		}

		if _, err := a.PollIfPending(); err != nil {
			log.Warn("command poll failed", "error", err)
		}
		if err := w.step(); err != nil {
			return err
		}
		if opts.gcEvery > 0 && i%opts.gcEvery == 0 {
			space.GC()
		}
	}
}

// workload is a shop: a cart holding priced items, checked out through a
// singleton payment gateway.
type workload struct {
	space   *objspace.Space
	cart    interp.Value
	gateway interp.Value
}

func newWorkload(s *objspace.Space) (*workload, error) {
	s.DefineModule("Shop")

	priced := s.DefineModule("Priced")
	if err := s.Define(priced, objspace.Method{Name: "price", File: "shop/priced.src", Line: 3,
		Body: func(s *objspace.Space, self interp.Value, _ []interp.Value) (interp.Value, error) {
			return s.InstanceVariable(self, "@price"), nil
		}}); err != nil {
		return nil, err
	}

	item := s.DefineClass("Shop::Item", s.Object())
	if _, err := s.Include(item, priced); err != nil {
		return nil, err
	}

	cart := s.DefineClass("Shop::Cart", s.Object())
	if err := s.Define(cart, objspace.Method{Name: "total", File: "shop/cart.src", Line: 12,
		Body: func(s *objspace.Space, self interp.Value, _ []interp.Value) (interp.Value, error) {
			items, _ := s.Unbox(s.InstanceVariable(self, "@items"))
			n, _ := items.(int)
			total := 0
			for range n {
				it, err := s.NewObject(item)
				if err != nil {
					return interp.Nil, err
				}
				if err := s.SetIvar(it, "@price", s.Box(1+rand.IntN(100))); err != nil {
					return interp.Nil, err
				}
				p, err := s.Send(it, "price")
				if err != nil {
					return interp.Nil, err
				}
				v, _ := s.Unbox(p)
				price, _ := v.(int)
				total += price
			}
			return s.Box(total), nil
		}}); err != nil {
		return nil, err
	}

	kernel := s.DefineModule("Kernel")
	if err := s.DefineSingleton(kernel, objspace.Method{Name: "sleep", Native: true,
		Body: func(s *objspace.Space, _ interp.Value, _ []interp.Value) (interp.Value, error) {
			time.Sleep(time.Duration(rand.IntN(20)) * time.Millisecond)
			return interp.Nil, nil
		}}); err != nil {
		return nil, err
	}

	gateway := s.DefineClass("Shop::Gateway", s.Object())
	if err := s.DefineSingleton(gateway, objspace.Method{Name: "charge", File: "shop/gateway.src", Line: 5,
		Body: func(s *objspace.Space, _ interp.Value, args []interp.Value) (interp.Value, error) {
			if _, err := s.Send(kernel, "sleep"); err != nil {
				return interp.Nil, err
			}
			if len(args) == 0 {
				return interp.Nil, errors.New("charge: missing amount")
			}
			return args[0], nil
		}}); err != nil {
		return nil, err
	}

	c, err := s.NewObject(cart)
	if err != nil {
		return nil, err
	}
	return &workload{space: s, cart: c, gateway: gateway}, nil
}

func (w *workload) step() error {
	if err := w.space.SetIvar(w.cart, "@items", w.space.Box(1+rand.IntN(5))); err != nil {
		return err
	}
	total, err := w.space.Send(w.cart, "total")
	if err != nil {
		return err
	}
	_, err = w.space.Send(w.gateway, "charge", total)
	return err
}
