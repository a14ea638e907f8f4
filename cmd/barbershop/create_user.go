package main

import (
	"errors"
	"os"

	"barbershop/internal/app"
	"barbershop/internal/domain"

	"github.com/spf13/cobra"
)

func newCreateUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user in the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("create-user needs DATABASE_URL, users are not persisted otherwise")
			}
			logger, err := newLogger(os.Stderr, cfg.LogLevel)
			if err != nil {
				return err
			}

			username, _ := cmd.Flags().GetString("username")
			password, _ := cmd.Flags().GetString("password")
			roleFlag, _ := cmd.Flags().GetString("role")
			tipoFlag, _ := cmd.Flags().GetString("tipo")

			role, err := domain.ParseRole(roleFlag)
			if err != nil {
				return err
			}

			st, err := openStores(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.close() }()

			u, err := app.NewAuthService(st.users, st.sessions).
				CreateUser(cmd.Context(), username, password, role, domain.Tipo(tipoFlag))
			if err != nil {
				return err
			}
			logger.Info().Int64("id", u.ID).Str("username", u.Username).Str("role", string(u.Role)).Msg("user created")
			return nil
		},
	}

	cmd.Flags().StringP("username", "u", "", "Login name")
	cmd.Flags().StringP("password", "p", "", "Password, at least 8 characters")
	cmd.Flags().String("role", string(domain.RoleClient), "ADMIN, BARBER or CLIENT")
	cmd.Flags().String("tipo", string(domain.TipoComum), "ADMINISTRADOR or COMUM")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
