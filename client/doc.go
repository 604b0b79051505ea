// Package client talks to a permitd coordinator over its 10-byte frame
// protocol.
//
//	cli, err := client.Dial(ctx, "127.0.0.1:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//	if _, err := cli.Acquire(ctx, 3); err != nil {
//	    log.Fatal(err)
//	}
//	// critical section
//	_ = cli.Release(3)
//
// Driver runs the same cycle for several identities concurrently, each on
// its own connection, which is what `permitd client run` uses.
package client
