// Package kernel routes commands through a tree of kernels and collects the
// events they publish.
//
// A Kernel owns a table of command handlers. A CompositeKernel owns named
// children and resolves which of them handles each command. A ProxyKernel
// forwards commands to a kernel on another host and maps the replies back
// into the local invocation context. Every kernel in one tree shares the
// root's Scheduler, so root commands run one at a time in submission order
// while commands sent from inside a handler run inline.
package kernel
