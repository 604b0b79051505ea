// Package permitd is a centralized mutual-exclusion coordinator. Clients
// connect over TCP and exchange fixed 10-byte frames: REQUEST asks for the
// single permit, GRANT hands it to a requester, RELEASE gives it back. The
// coordinator queues requests in arrival order, grants the permit to the
// oldest one whenever it is free, and counts grants per requester.
//
// # Running a server
//
//	cfg := permitd.Config{
//	    Listen:      ":8080",
//	    AdminListen: "127.0.0.1:8081",
//	}
//	srv, err := permitd.NewServer(cfg, permitd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("permitd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer wraps the same steps for tests and embedding and waits until
// the listeners are bound.
//
// # Frames
//
// Byte 0 is the kind ('1' REQUEST, '2' GRANT, '3' RELEASE), byte 1 is the
// requester identity as an ASCII digit, bytes 2 to 9 are padding ('0'). A
// frame of any other length or kind closes the connection.
//
// # Policies
//
// Config.Routing picks which connection receives a GRANT: "origin" (the
// connection that sent the REQUEST) or "claimer" (whichever connection's
// dispatcher claimed the permit). Config.ReleasePolicy "holder" rejects a
// RELEASE from anyone but the current holder; "any" accepts every RELEASE.
// Config.QueueFullPolicy "drop" discards a REQUEST that finds the queue full,
// "close" disconnects its sender. A closed connection's pending requests are
// purged and a permit it holds is freed unless disabled in Config.
//
// # Observing
//
// When Config.AdminListen is set the server exposes GET /v1/queue,
// /v1/ledger, /v1/status and /healthz as JSON. Config.MetricsListen serves
// Prometheus metrics, Config.OTLPEndpoint exports traces, and
// Config.RedisURL mirrors grant counts into redis hashes.
package permitd
