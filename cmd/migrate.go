package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-live/watchparty-service/internal/domain"
	"github.com/weiawesome/wes-io-live/watchparty-service/internal/repository/cassandra"
	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/database"
	pkglog "github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database and Cassandra schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		logger := pkglog.L()

		db, err := database.New(&cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close(db)

		if err := database.AutoMigrate(db, domain.Models()...); err != nil {
			return fmt.Errorf("failed to auto-migrate: %w", err)
		}
		logger.Info().Str("driver", cfg.Database.Driver).Msg("database migration completed")

		if !cfg.Cassandra.Enabled {
			return nil
		}
		repo, err := cassandra.NewChatRepository(cfg.Cassandra)
		if err != nil {
			return err
		}
		defer repo.Close()
		if err := repo.EnsureSchema(cmd.Context()); err != nil {
			return fmt.Errorf("failed to create cassandra schema: %w", err)
		}
		logger.Info().Str("keyspace", cfg.Cassandra.Keyspace).Msg("cassandra schema ready")
		return nil
	},
}
