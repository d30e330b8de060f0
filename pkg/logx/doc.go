// Package logx is a small structured-logging facade over zerolog.
//
// Components receive a Logger (usually tagged with a comp=<name> field) and
// never touch zerolog directly. The backing Service can swap sinks and level
// at runtime, so loggers handed out at wiring time stay live across config
// reloads.
package logx
