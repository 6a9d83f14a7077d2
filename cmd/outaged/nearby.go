package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/outage-engine/internal/domain"
	"github.com/couchcryptid/outage-engine/internal/engine"
	"github.com/couchcryptid/outage-engine/internal/observability"
)

func nearbyCmd() *cobra.Command {
	var (
		lat, lng, radius float64
		serviceTypes     []string
		minSeverity      string
		providerID       string
		verifiedOnly     bool
	)
	cmd := &cobra.Command{
		Use:   "nearby",
		Short: "List active outages around a point",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger, observability.NewMetrics(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.index.Rebuild(cmd.Context()); err != nil {
				return fmt.Errorf("build geo index: %w", err)
			}
			f := engine.Filter{
				MinSeverity:  domain.Severity(minSeverity),
				VerifiedOnly: verifiedOnly,
				ProviderID:   providerID,
			}
			for _, st := range serviceTypes {
				f.ServiceTypes = append(f.ServiceTypes, domain.ServiceType(st))
			}
			res, err := a.engine.Query.Nearby(cmd.Context(), domain.Point{Lat: lat, Lng: lng}, radius, f)
			if err != nil {
				return err
			}
			renderSnapshots(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	cmd.Flags().Float64Var(&radius, "radius", 5000, "search radius in meters")
	cmd.Flags().StringSliceVar(&serviceTypes, "service-type", nil, "service type filter (repeatable)")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "minimum severity")
	cmd.Flags().StringVar(&providerID, "provider", "", "only outages attributed to this provider id")
	cmd.Flags().BoolVar(&verifiedOnly, "verified-only", false, "only verified outages")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lng")
	return cmd
}

// renderSnapshots prints one row per outage. The footer names the answering source
// and whether the result is degraded.
func renderSnapshots(w io.Writer, res engine.Result) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.Style().Format.Footer = text.FormatDefault
	tw.AppendHeader(table.Row{"ID", "Service", "Severity", "Verified", "Confirmations", "Distance (m)", "Place"})
	for _, s := range res.Outages {
		dist := ""
		if s.DistanceMeters != nil {
			dist = fmt.Sprintf("%.0f", *s.DistanceMeters)
		}
		place := strings.Trim(strings.Join([]string{s.City, s.State}, ", "), ", ")
		tw.AppendRow(table.Row{s.ID, s.ServiceType, s.Severity, s.IsVerified, s.VerificationCount, dist, place})
	}
	source := res.Source
	if res.Degraded {
		source += " (degraded)"
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "source", source})
	tw.Render()
}
