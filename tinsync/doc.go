// Package tinsync provides blocking synchronization primitives for tasks of
// a [tin.Runtime]: Mutex, RWMutex, WaitGroup, Cond and a bounded Chan.
//
// They mirror the standard library's sync package, but park the calling task
// rather than the goroutine, so a blocked task frees its worker for others.
// Every blocking method takes the calling task. The zero value of each type
// (except Chan and Cond) is ready to use, and must not be copied after first
// use.
package tinsync
