// Package errors provides structured, actionable error messages for nest.
//
// Every error carries a registered code that maps to a short message, a
// longer explanation and a documentation URL. Codes are grouped by range:
//   - N0xx: engine runtime (cycles, missing slots, watch failures)
//   - N1xx: configuration and command line
//   - N2xx: transport to the remote service
//
// An *Error matches any other *Error with the same code under errors.Is,
// so registered codes double as sentinels:
//
//	var ErrCycle = errors.New("N001")
//
//	err := errors.New("N001").WithKey("user_u1")
//	stderrors.Is(err, ErrCycle) // true
//
//	fmt.Println(err.Format())
//	// Output:
//	// ERROR N001: Subscription cycle
//	//
//	//   key user_u1
//	//
//	//   A dependent subscription names a key that is already on the chain
//	//   that produced it. The whole subscribe call was rolled back.
//	//
//	//   Learn more: https://nest.vango.dev/docs/errors/N001
package errors
