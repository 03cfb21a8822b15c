// Package pthread maps guest pthread_create requests onto OS threads.
//
// Every guest thread is a ManagedThread driven through a fixed state
// machine on its own locked OS thread:
//
//	NOT_STARTED -> LOADING -> ATTACHING -> RUNNING -> DETACHING -> DESTROYING -> DESTROYED
//
// LOADING instantiates a private engine instance sharing the guest's linear
// memory. ATTACHING initialises the guest's thread state (TLS, stack limits,
// stack cookie) and checks that pthread_self matches. RUNNING calls the start
// routine through the indirect function table. DETACHING runs the guest's
// thread exit path, DESTROYING releases the instance and unregisters the
// thread. Teardown always runs, even when an earlier step failed, so every
// thread passes through every state exactly once.
//
// Host code can present its own goroutine as a guest thread by creating it
// with the HostOrigin start routine, then calling Attach and Release.
package pthread
