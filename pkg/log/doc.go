/*
Package log provides structured logging for netident using zerolog.

A single package-level Logger is configured once by Init from the CLI.
Components take a child logger from WithComponent so every line carries a
"component" field; the reconciliation controller additionally tags each pass
with WithPass, so all lines of one pass share a "pass_id".

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("reconciler")
	logger.Info().Str("address", "10.0.0.9").Msg("Identity changed")

Console output (the default) is meant for interactive runs; JSON output is
meant for the watch mode under systemd or a container log driver. Logs go to
stderr so command output on stdout (status tables, rendered configs) stays
clean.

Do not log private key material. Certificate fingerprints and serial numbers
are fine.
*/
package log
