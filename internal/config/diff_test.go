package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/omniflow/internal/catalog"
	"github.com/MrWong99/omniflow/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Dialer: config.DialerConfig{Voice: "Zephyr", ErrorResetDelay: 3 * time.Second},
		Guide:  config.GuideConfig{Voice: "Kore", Text: "hello"},
		Catalog: []catalog.Service{
			{ID: "clean-1", Name: "Cleaning", Price: "$150"},
			{ID: "tech-1", Name: "Web Apps", Price: "$2,500+"},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, baseConfig())
	if d.LogLevelChanged || d.CatalogChanged || d.DialerChanged || d.GuideChanged {
		t.Errorf("expected no changes, got %+v", d)
	}
	if len(d.CatalogChanges) != 0 {
		t.Errorf("expected 0 catalog changes, got %d", len(d.CatalogChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_Catalog(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   []config.ServiceDiff
	}{
		{
			name:   "modified price",
			mutate: func(c *config.Config) { c.Catalog[0].Price = "$175" },
			want:   []config.ServiceDiff{{ID: "clean-1", Modified: true}},
		},
		{
			name:   "removed",
			mutate: func(c *config.Config) { c.Catalog = c.Catalog[:1] },
			want:   []config.ServiceDiff{{ID: "tech-1", Removed: true}},
		},
		{
			name: "added",
			mutate: func(c *config.Config) {
				c.Catalog = append(c.Catalog, catalog.Service{ID: "retail-1", Name: "Shirts"})
			},
			want: []config.ServiceDiff{{ID: "retail-1", Added: true}},
		},
		{
			name: "reordered",
			mutate: func(c *config.Config) {
				c.Catalog[0], c.Catalog[1] = c.Catalog[1], c.Catalog[0]
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)

			d := config.Diff(old, new)
			if !d.CatalogChanged {
				t.Fatal("expected CatalogChanged=true")
			}
			if len(d.CatalogChanges) != len(tt.want) {
				t.Fatalf("CatalogChanges = %+v, want %+v", d.CatalogChanges, tt.want)
			}
			for i := range tt.want {
				if d.CatalogChanges[i] != tt.want[i] {
					t.Errorf("CatalogChanges[%d] = %+v, want %+v", i, d.CatalogChanges[i], tt.want[i])
				}
			}
		})
	}
}

func TestDiff_DialerAndGuide(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Dialer.Voice = "Puck"
	new.Guide.Text = "updated"

	d := config.Diff(old, new)
	if !d.DialerChanged {
		t.Error("expected DialerChanged=true")
	}
	if !d.GuideChanged {
		t.Error("expected GuideChanged=true")
	}
	if d.CatalogChanged {
		t.Error("expected CatalogChanged=false")
	}
}
