package main

import (
	"errors"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/target/etl-loader/internal/domain/model"
)

// transformFile is the YAML form of a custom transformation.
type transformFile struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Code        string         `yaml:"code"`
	Category    string         `yaml:"category"`
	Parameters  map[string]any `yaml:"parameters"`
	// Active defaults to true.
	Active *bool `yaml:"active"`
}

func (f *transformFile) definition() *model.CustomTransformation {
	active := true
	if f.Active != nil {
		active = *f.Active
	}
	return &model.CustomTransformation{
		Name:        strings.TrimSpace(f.Name),
		Description: f.Description,
		Code:        f.Code,
		Category:    f.Category,
		Parameters:  f.Parameters,
		IsActive:    active,
	}
}

func newTransformsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transforms",
		Short: "Manage custom transformations",
	}

	register := &cobra.Command{
		Use:   "register <file.yaml>",
		Short: "Compile and store a custom transformation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var f transformFile
			if err := readYAML(args[0], &f); err != nil {
				return err
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			saved, err := svc.Registry.Register(cmd.Context(), f.definition())
			if err != nil {
				return err
			}
			pterm.Success.Printfln("registered transformation %s (active: %t)", saved.Name, saved.IsActive)
			return nil
		},
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List custom transformations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			defs, err := svc.Registry.List(cmd.Context(), !all)
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				pterm.Info.Println("no transformations registered")
				return nil
			}
			data := pterm.TableData{{"Name", "Category", "Active", "Updated", "Description"}}
			for _, d := range defs {
				active := "no"
				if d.IsActive {
					active = "yes"
				}
				data = append(data, []string{d.Name, d.Category, active, formatTime(&d.UpdatedAt), d.Description})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include inactive transformations")

	cmd.AddCommand(register, list)
	return cmd
}

// configFile is the YAML form of a named load configuration.
type configFile struct {
	Name string         `yaml:"name"`
	Data map[string]any `yaml:"data"`
}

func newConfigsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configs",
		Short: "Manage named load configurations",
	}
	publish := &cobra.Command{
		Use:   "publish <file.yaml>",
		Short: "Publish the next version of a load configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var f configFile
			if err := readYAML(args[0], &f); err != nil {
				return err
			}
			if f.Data == nil {
				return errors.New("config file needs a data section")
			}
			raw, err := yamlToJSON(f.Data)
			if err != nil {
				return err
			}
			svc, err := a.services(cmd.Context())
			if err != nil {
				return err
			}
			cv, err := svc.Configs.Publish(cmd.Context(), f.Name, raw)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("published %s version %d", cv.Name, cv.Version)
			return nil
		},
	}
	cmd.AddCommand(publish)
	return cmd
}
