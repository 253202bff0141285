package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/schema"
	"go.uber.org/zap"

	"github.com/djkubo/admin-hub-sub004/internal/config"
	"github.com/djkubo/admin-hub-sub004/internal/logger"
	"github.com/djkubo/admin-hub-sub004/internal/store"
)

// BinlogListener tails the upstream CRM's binlog and stages every inserted
// or updated contact row under the configured source.
type BinlogListener struct {
	cfg    config.BinlogConfig
	canal  *canal.Canal
	stager *Stager
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBinlogListener(cfg config.BinlogConfig, stager *Stager) (*BinlogListener, error) {
	db := cfg.Database
	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", db.Host, db.Port),
		User:     db.ReplicationUser,
		Password: db.ReplicationPassword,
		Flavor:   "mysql",
		ServerID: cfg.ServerID,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // No initial dump; backfills arrive as CSV uploads
		},
		IncludeTableRegex: []string{fmt.Sprintf("^%s\\.%s$", regexp.QuoteMeta(db.Database), regexp.QuoteMeta(cfg.Table))},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &BinlogListener{
		cfg:    cfg,
		canal:  c,
		stager: stager,
		ctx:    ctx,
		cancel: cancel,
	}
	c.SetEventHandler(&eventHandler{listener: l})

	return l, nil
}

// Start begins streaming from the current master position.
func (l *BinlogListener) Start() error {
	pos, err := l.canal.GetMasterPos()
	if err != nil {
		return fmt.Errorf("failed to read master position: %w", err)
	}

	logger.Log.Info("Starting binlog listener",
		zap.String("host", l.cfg.Database.Host),
		zap.String("table", l.cfg.Table),
		zap.String("binlog_file", pos.Name),
		zap.Uint32("binlog_pos", pos.Pos),
	)

	go func() {
		if err := l.canal.RunFrom(pos); err != nil && l.ctx.Err() == nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()

	return nil
}

func (l *BinlogListener) Stop() {
	l.cancel()
	l.canal.Close()
	logger.Log.Info("Stopped binlog listener")
}

type eventHandler struct {
	canal.DummyEventHandler
	listener *BinlogListener
}

func (h *eventHandler) OnRow(e *canal.RowsEvent) error {
	var rows [][]interface{}
	switch e.Action {
	case canal.InsertAction:
		rows = e.Rows
	case canal.UpdateAction:
		// Update rows come as (before, after) pairs.
		for i := 1; i < len(e.Rows); i += 2 {
			rows = append(rows, e.Rows[i])
		}
	default:
		return nil
	}

	l := h.listener
	for _, row := range rows {
		extID, payload, ok := rowToContact(e.Table, row, l.cfg)
		if !ok {
			continue
		}
		if _, err := l.stager.StageContact(l.ctx, l.cfg.Source, "binlog", extID, "", payload); err != nil {
			logger.Log.Error("Failed to stage binlog row",
				zap.String("table", e.Table.Name),
				zap.String("external_id", extID),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}

func (h *eventHandler) String() string {
	return "CRMBinlogEventHandler"
}

// rowToContact maps a row to a contact payload using cfg.Columns
// (payload field -> column name). Unknown fields become attributes.
func rowToContact(table *schema.Table, row []interface{}, cfg config.BinlogConfig) (string, store.ContactPayload, bool) {
	var payload store.ContactPayload

	value := func(column string) (string, bool) {
		idx := table.FindColumn(column)
		if idx < 0 || idx >= len(row) || row[idx] == nil {
			return "", false
		}
		switch v := row[idx].(type) {
		case []byte:
			return string(v), true
		case string:
			return v, true
		default:
			return fmt.Sprint(v), true
		}
	}

	extID, ok := value(cfg.IDColumn)
	if !ok || extID == "" {
		return "", payload, false
	}

	for field, column := range cfg.Columns {
		v, ok := value(column)
		if !ok {
			continue
		}
		switch field {
		case "email":
			payload.Email = v
		case "phone":
			payload.Phone = v
		case "full_name":
			payload.FullName = v
		case "lifecycle_stage":
			payload.LifecycleStage = v
		case "tags":
			payload.Tags = splitTags(v)
		case "total_spend_cents":
			if cents, err := strconv.ParseInt(v, 10, 64); err == nil {
				payload.TotalSpendCents = &cents
			}
		case "opt_in_email", "opt_in_sms", "opt_in_whatsapp":
			if b := parseTriState(v); b != nil {
				if payload.OptIn == nil {
					payload.OptIn = make(map[string]*bool)
				}
				payload.OptIn[strings.TrimPrefix(field, "opt_in_")] = b
			}
		default:
			if payload.Attributes == nil {
				payload.Attributes = make(map[string]any)
			}
			payload.Attributes[field] = v
		}
	}
	return extID, payload, true
}
