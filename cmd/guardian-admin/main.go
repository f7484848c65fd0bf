// guardian-admin provisions recovery state directly against the store:
// users, recovery configs, guardians, two-factor material, and recovery
// wrappers. FROST key generation happens out of band; this tool records the
// resulting group public key, it does not produce shares.
package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/keyhaven/guardian-recovery-backend/common"
	"github.com/keyhaven/guardian-recovery-backend/cryptoutils"
	"github.com/keyhaven/guardian-recovery-backend/guardian"
	"github.com/keyhaven/guardian-recovery-backend/interfaces"
	"github.com/keyhaven/guardian-recovery-backend/storage"
	"github.com/keyhaven/guardian-recovery-backend/twofactor"
	"github.com/pquerna/otp/totp"
	"github.com/urfave/cli/v2"
)

var dbFlag = &cli.StringFlag{
	Name:  "db-path",
	Value: "recovery.db",
	Usage: "path to the SQLite database file",
}

func openStore(cCtx *cli.Context) (*storage.Store, error) {
	return storage.Open(cCtx.String("db-path"))
}

func main() {
	logger := common.SetupLogger(&common.LoggingOpts{Service: "guardian-admin", Version: common.Version})

	app := &cli.App{
		Name:  "guardian-admin",
		Usage: "Provision users, recovery configs and guardians",
		Commands: []*cli.Command{
			{
				Name:  "create-user",
				Usage: "create a user account record",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "email", Required: true},
					&cli.BoolFlag{Name: "two-factor", Usage: "mark two-factor as enabled"},
				},
				Action: func(cCtx *cli.Context) error {
					store, err := openStore(cCtx)
					if err != nil {
						return err
					}
					defer store.Close()

					user := interfaces.User{
						ID:               uuid.NewString(),
						Email:            interfaces.NormalizeEmail(cCtx.String("email")),
						RecoveryID:       uuid.NewString(),
						TwoFactorEnabled: cCtx.Bool("two-factor"),
					}
					if err := store.CreateUser(context.Background(), user); err != nil {
						return err
					}
					fmt.Printf("user_id: %s\nrecovery_id: %s\n", user.ID, user.RecoveryID)
					return nil
				},
			},
			{
				Name:  "create-config",
				Usage: "create a user's recovery config with an externally generated FROST group key",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "user-id", Required: true},
					&cli.IntFlag{Name: "threshold", Required: true},
					&cli.IntFlag{Name: "total-guardians", Required: true},
					&cli.StringFlag{Name: "group-public-key", Required: true},
					&cli.StringFlag{Name: "public-key-package", Value: ""},
					&cli.StringFlag{Name: "ciphersuite", Value: string(interfaces.CiphersuiteSecp256k1)},
				},
				Action: func(cCtx *cli.Context) error {
					store, err := openStore(cCtx)
					if err != nil {
						return err
					}
					defer store.Close()

					config := interfaces.RecoveryConfig{
						ID:               uuid.NewString(),
						UserID:           cCtx.String("user-id"),
						Threshold:        cCtx.Int("threshold"),
						TotalGuardians:   cCtx.Int("total-guardians"),
						GroupPublicKey:   cCtx.String("group-public-key"),
						PublicKeyPackage: cCtx.String("public-key-package"),
						Ciphersuite:      interfaces.Ciphersuite(cCtx.String("ciphersuite")),
						Status:           "active",
						CreatedAt:        time.Now().UTC(),
					}
					if err := store.CreateRecoveryConfig(context.Background(), config); err != nil {
						return err
					}
					fmt.Printf("config_id: %s\n", config.ID)
					return nil
				},
			},
			{
				Name:  "add-guardian",
				Usage: "enroll an email guardian",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "user-id", Required: true},
					&cli.StringFlag{Name: "email", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					store, err := openStore(cCtx)
					if err != nil {
						return err
					}
					defer store.Close()

					ctx := context.Background()
					config, err := store.GetRecoveryConfig(ctx, cCtx.String("user-id"))
					if err != nil {
						return err
					}
					g, err := guardian.NewRegistry(store, logger).AddGuardian(ctx, config, cCtx.String("email"))
					if err != nil {
						return err
					}
					fmt.Printf("guardian_id: %s\nparticipant_index: %d\n", g.ID, g.ParticipantIndex)
					return nil
				},
			},
			{
				Name:  "add-2fa-guardian",
				Usage: "enroll the account owner's second factor as a guardian",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "user-id", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					store, err := openStore(cCtx)
					if err != nil {
						return err
					}
					defer store.Close()

					ctx := context.Background()
					config, err := store.GetRecoveryConfig(ctx, cCtx.String("user-id"))
					if err != nil {
						return err
					}
					g, err := guardian.NewRegistry(store, logger).AddTwoFactorGuardian(ctx, config)
					if err != nil {
						return err
					}
					fmt.Printf("guardian_id: %s\nparticipant_index: %d\n", g.ID, g.ParticipantIndex)
					return nil
				},
			},
			{
				Name:  "remove-guardian",
				Usage: "remove a guardian, freeing its participant index",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "user-id", Required: true},
					&cli.StringFlag{Name: "guardian-id", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					store, err := openStore(cCtx)
					if err != nil {
						return err
					}
					defer store.Close()

					ctx := context.Background()
					config, err := store.GetRecoveryConfig(ctx, cCtx.String("user-id"))
					if err != nil {
						return err
					}
					return guardian.NewRegistry(store, logger).RemoveGuardian(ctx, config, cCtx.String("guardian-id"))
				},
			},
			{
				Name:  "enroll-2fa",
				Usage: "generate and store TOTP secret and backup codes for a user",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "user-id", Required: true},
					&cli.StringFlag{Name: "account-email", Required: true},
					&cli.StringFlag{Name: "two-factor-key", Required: true, Usage: "hex-encoded 32-byte sealing key"},
					&cli.IntFlag{Name: "backup-codes", Value: 10},
				},
				Action: func(cCtx *cli.Context) error {
					blobKey, err := hex.DecodeString(cCtx.String("two-factor-key"))
					if err != nil || len(blobKey) != 32 {
						return fmt.Errorf("invalid two-factor-key: must be 64 hex chars (32 bytes)")
					}

					store, err := openStore(cCtx)
					if err != nil {
						return err
					}
					defer store.Close()

					key, err := totp.Generate(totp.GenerateOpts{
						Issuer:      common.PackageName,
						AccountName: cCtx.String("account-email"),
					})
					if err != nil {
						return fmt.Errorf("failed to generate totp secret: %w", err)
					}

					codes, hashes, err := cryptoutils.GenerateBackupCodes(cCtx.Int("backup-codes"))
					if err != nil {
						return err
					}

					material, err := twofactor.EncodeMaterial(blobKey, cCtx.String("user-id"), key.Secret(), hashes)
					if err != nil {
						return err
					}
					if err := store.SetTwoFactorMaterial(context.Background(), material); err != nil {
						return err
					}

					fmt.Printf("otpauth_url: %s\n", key.URL())
					fmt.Println("backup codes (shown once):")
					for _, c := range codes {
						fmt.Printf("  %s\n", c)
					}
					return nil
				},
			},
			{
				Name:  "add-recovery-wrapper",
				Usage: "wrap a secret's DEK under the recovery key and store it",
				Flags: []cli.Flag{
					dbFlag,
					&cli.StringFlag{Name: "user-id", Required: true},
					&cli.StringFlag{Name: "secret-id", Required: true},
					&cli.StringFlag{Name: "dek", Required: true, Usage: "base64-encoded 32-byte data encryption key"},
					&cli.StringFlag{Name: "recovery-kek", Required: true, Usage: "hex-encoded 32-byte recovery key"},
				},
				Action: func(cCtx *cli.Context) error {
					kek, err := hex.DecodeString(cCtx.String("recovery-kek"))
					if err != nil || len(kek) != 32 {
						return fmt.Errorf("invalid recovery-kek: must be 64 hex chars (32 bytes)")
					}
					dek, err := base64.StdEncoding.DecodeString(cCtx.String("dek"))
					if err != nil {
						return fmt.Errorf("invalid dek: %w", err)
					}
					defer cryptoutils.Zero(dek)

					store, err := openStore(cCtx)
					if err != nil {
						return err
					}
					defer store.Close()

					wrapped, err := cryptoutils.WrapKey(kek, dek)
					if err != nil {
						return err
					}
					return store.CreateRecoveryWrapper(context.Background(), interfaces.RecoverySecretWrapper{
						SecretID:   cCtx.String("secret-id"),
						UserID:     cCtx.String("user-id"),
						WrappedDEK: wrapped,
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
