package engine

import (
	"context"
	"log/slog"
	"strings"
)

// RunCommand executes a side-effecting plan against ec.
func RunCommand(ctx context.Context, ec *ExecutionContext, cmd *Command) error {
	if cmd == nil {
		return Analysisf("plan has no command")
	}
	switch {
	case cmd.SQLCommand != nil && cmd.SetConfig != nil:
		return Analysisf("command sets more than one of sql_command, set_config")
	case cmd.SQLCommand != nil:
		return runSQLCommand(ctx, ec, cmd.SQLCommand)
	case cmd.SetConfig != nil:
		if err := ec.SetConf(cmd.SetConfig.Key, cmd.SetConfig.Value); err != nil {
			return err
		}
		slog.Debug("Session config updated.", "session", ec.Key.String(), "key", cmd.SetConfig.Key)
		return nil
	default:
		return Analysisf("empty command")
	}
}

func runSQLCommand(ctx context.Context, ec *ExecutionContext, cmd *SQLCommand) error {
	if strings.TrimSpace(cmd.SQL) == "" {
		return Analysisf("sql_command has an empty statement")
	}
	db, err := ec.requireDB()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, cmd.SQL); err != nil {
		return FromDuckDB(err)
	}
	return nil
}
