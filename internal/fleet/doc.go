// Package fleet grows and shrinks the worker fleet.
//
// A Scaler drives every requested unit through
//
//	allocate port → launch → await ready → register with the balancer
//
// and rolls back (removes) any unit that fails after its container was
// created. Units are independent: a batch never fails as a whole because
// one unit failed, and the result reports exactly which units reached
// the Registered state. Only a runtime that cannot be queried at all is
// reported as an error of the batch.
//
// Scale-down withdraws each selected worker from the balancer before
// removing it. Which workers are selected is an eviction Policy.
package fleet
