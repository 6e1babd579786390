package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/feedback-pipeline/internal/app"
	"github.com/JakeFAU/feedback-pipeline/internal/feedback"
	idgen "github.com/JakeFAU/feedback-pipeline/internal/id/uuid"
	"github.com/JakeFAU/feedback-pipeline/internal/store"
)

// ownerFile is the YAML shape accepted by onboard.
//
//	owners:
//	  - company_name: Uber
//	    website_domain: uber.com
//	    google_play_app_id: com.ubercab
//	    app_store_id: "368677368"
//	    subreddit: uber
//	    twitter_query: "@Uber"
//	    country: us
//	    language: en
type ownerFile struct {
	Owners []ownerEntry `yaml:"owners"`
}

type ownerEntry struct {
	ID              string `yaml:"id"`
	CompanyName     string `yaml:"company_name"`
	WebsiteDomain   string `yaml:"website_domain"`
	GooglePlayAppID string `yaml:"google_play_app_id"`
	AppStoreID      string `yaml:"app_store_id"`
	AppStoreName    string `yaml:"app_store_name"`
	Subreddit       string `yaml:"subreddit"`
	TwitterQuery    string `yaml:"twitter_query"`
	Country         string `yaml:"country"`
	Language        string `yaml:"language"`
}

func newOnboardCmd() *cobra.Command {
	var (
		file    string
		enqueue bool
	)
	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Registers owners from a YAML file",
		Long: `Creates (or updates, when an id is given) every owner listed in the file
and initializes its progress ledger. With --enqueue each owner is also pushed
onto the run queue for the workers started by "serve".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			owners, err := readOwnerFile(file)
			if err != nil {
				return err
			}
			gen := idgen.New()
			for _, entry := range owners {
				id, err := onboardOwner(cmd, appInstance, gen, entry)
				if err != nil {
					return fmt.Errorf("onboard %q: %w", entry.CompanyName, err)
				}
				if enqueue {
					req := feedback.RunRequest{OwnerID: id, Reason: "onboard", Submitted: appInstance.Clock.Now()}
					if err := appInstance.Queue.Enqueue(cmd.Context(), req); err != nil {
						return fmt.Errorf("enqueue %s: %w", id, err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", id, entry.CompanyName)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "owners YAML file")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "queue a pipeline run for each owner")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readOwnerFile(path string) ([]ownerEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read owners file: %w", err)
	}
	var f ownerFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse owners file: %w", err)
	}
	if len(f.Owners) == 0 {
		return nil, errors.New("owners file lists no owners")
	}
	for i, o := range f.Owners {
		if strings.TrimSpace(o.CompanyName) == "" {
			return nil, fmt.Errorf("owners[%d]: company_name required", i)
		}
	}
	return f.Owners, nil
}

func onboardOwner(cmd *cobra.Command, a *app.App, gen *idgen.Generator, entry ownerEntry) (uuid.UUID, error) {
	ctx := cmd.Context()
	now := a.Clock.Now()
	owner := feedback.Owner{
		CompanyName:     strings.TrimSpace(entry.CompanyName),
		WebsiteDomain:   strings.TrimSpace(entry.WebsiteDomain),
		GooglePlayAppID: strings.TrimSpace(entry.GooglePlayAppID),
		AppStoreID:      strings.TrimSpace(entry.AppStoreID),
		AppStoreName:    strings.TrimSpace(entry.AppStoreName),
		Subreddit:       strings.TrimPrefix(strings.TrimSpace(entry.Subreddit), "r/"),
		TwitterQuery:    strings.TrimSpace(entry.TwitterQuery),
		Country:         strings.ToLower(strings.TrimSpace(entry.Country)),
		Language:        feedback.NormalizeLanguage(entry.Language),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if entry.ID != "" {
		id, err := uuid.Parse(entry.ID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid id %q: %w", entry.ID, err)
		}
		owner.ID = id
		existing, err := a.Owners.GetOwner(ctx, id)
		switch {
		case err == nil:
			owner.CreatedAt = existing.CreatedAt
			if err := a.Owners.UpdateOwner(ctx, owner); err != nil {
				return uuid.Nil, fmt.Errorf("update owner: %w", err)
			}
			a.Logger.Info("owner updated", zap.String("owner_id", id.String()))
			return id, nil
		case !errors.Is(err, store.ErrNotFound):
			return uuid.Nil, fmt.Errorf("load owner: %w", err)
		}
	} else {
		id, err := gen.NewID()
		if err != nil {
			return uuid.Nil, fmt.Errorf("generate owner id: %w", err)
		}
		owner.ID = id
	}

	if err := a.Owners.CreateOwner(ctx, owner); err != nil {
		return uuid.Nil, fmt.Errorf("create owner: %w", err)
	}
	if _, err := a.Ledger.Initialize(ctx, owner.ID); err != nil {
		return uuid.Nil, fmt.Errorf("initialize ledger: %w", err)
	}
	a.Logger.Info("owner onboarded", zap.String("owner_id", owner.ID.String()), zap.String("company", owner.CompanyName))
	return owner.ID, nil
}
