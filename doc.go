// Package substrate provides the performance and resilience runtime layer that
// sits between protocol clients and a remote endpoint: a bounded connection
// pool, a TTL cache with dual-key eviction, a batch coalescer, a priority-aware
// task scheduler, a size-classed memory arena, a metrics collector, and a
// health monitor with hysteresis and automatic recovery.
//
// The substrate is a single-process, in-memory layer. It owns no wire protocol
// of its own: callers supply a transport capability for opening and probing
// connections, and a batch sender for dispatching coalesced operations.
//
// Components live under pkg/ and can be used individually, or wired together
// behind the coordinating manager in pkg/substrate:
//
//	cfg := config.DefaultSubstrateConfig()
//	mgr, err := substrate.New(*cfg, transport, sender, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mgr.Start()
//	defer mgr.Stop()
//
//	val, ok := mgr.Cache().GetBytes("accounts", "acct-1042")
//	if !ok {
//	    res, err := mgr.Coalescer().Submit(ctx, op)
//	    ...
//	}
package substrate
