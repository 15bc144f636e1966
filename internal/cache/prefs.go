package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/shelfcache/shelfcache/internal/errs"
	"github.com/shelfcache/shelfcache/internal/store"
	"github.com/shelfcache/shelfcache/internal/textutil"
)

// Recognized preference keys (§6.4). All tunables live in the Store's
// prefs table; there is no text configuration file.
const (
	PrefBoolsAreTristate           = "bools_are_tristate"
	PrefUserCategories             = "user_categories"
	PrefSavedSearches              = "saved_searches"
	PrefGroupedSearchTerms         = "grouped_search_terms"
	PrefGroupedSearchUserCats      = "grouped_search_make_user_categories"
	PrefVirtualLibraries           = "virtual_libraries"
	PrefVirtualLibOnStartup        = "virtual_lib_on_startup"
	PrefCSVirtualLibOnStartup      = "cs_virtual_lib_on_startup"
	PrefVirtLibsHidden             = "virt_libs_hidden"
	PrefVirtLibsOrder              = "virt_libs_order"
	PrefUpdateAllLastModOnStart    = "update_all_last_mod_dates_on_start"
	PrefBookDisplayFields          = "book_display_fields"
	PrefFieldUnderCoversInGrid     = "field_under_covers_in_grid"
	PrefCoverBrowserTitleTemplate  = "cover_browser_title_template"
	PrefColumnColorRules           = "column_color_rules"
	PrefColumnIconRules            = "column_icon_rules"
	PrefCoverGridIconRules         = "cover_grid_icon_rules"
	PrefCategoriesUsingHierarchy   = "categories_using_hierarchy"
	PrefSimilarAuthorsSearchKey    = "similar_authors_search_key"
	PrefSimilarAuthorsMatchKind    = "similar_authors_match_kind"
	PrefSimilarPublisherSearchKey  = "similar_publisher_search_key"
	PrefSimilarPublisherMatchKind  = "similar_publisher_match_kind"
	PrefSimilarTagsSearchKey       = "similar_tags_search_key"
	PrefSimilarTagsMatchKind       = "similar_tags_match_kind"
	PrefSimilarSeriesSearchKey     = "similar_series_search_key"
	PrefSimilarSeriesMatchKind     = "similar_series_match_kind"
)

// _defaultsBlocklist names prefs never overwritten by caller-supplied
// defaults, even on a fresh Store (§4.7 step 1).
var _defaultsBlocklist = map[string]bool{
	"news_to_be_synced": true,
}

// Prefs is a decoded snapshot of the Store's preferences table; Set
// writes through to the Store and the snapshot together. Values are
// stored as JSON.
type Prefs struct {
	store store.Driver

	mu   sync.Mutex
	vals map[string]string
}

// LoadPrefs reads the full preferences table.
func LoadPrefs(ctx context.Context, driver store.Driver) (*Prefs, error) {
	raw, err := driver.Prefs(ctx)
	if err != nil {
		return nil, err
	}
	return &Prefs{store: driver, vals: raw}, nil
}

// ApplyDefaults writes caller-supplied defaults for keys not already
// present, skipping the blocklist.
func (p *Prefs) ApplyDefaults(ctx context.Context, defaults map[string]any) error {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _defaultsBlocklist[k] {
			continue
		}
		p.mu.Lock()
		_, exists := p.vals[k]
		p.mu.Unlock()
		if exists {
			continue
		}
		if err := p.Set(ctx, k, defaults[k]); err != nil {
			return err
		}
	}
	return nil
}

// Set encodes v as JSON and persists it.
func (p *Prefs) Set(ctx context.Context, key string, v any) error {
	raw, err := sonic.MarshalString(v)
	if err != nil {
		return errs.Input(key, fmt.Errorf("prefs: encode %s: %w", key, err))
	}
	if err := p.store.SetPref(ctx, key, raw); err != nil {
		return err
	}
	p.mu.Lock()
	p.vals[key] = raw
	p.mu.Unlock()
	return nil
}

// Get decodes the pref into out; ok reports whether the key exists.
func (p *Prefs) Get(key string, out any) (bool, error) {
	p.mu.Lock()
	raw, ok := p.vals[key]
	p.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := sonic.UnmarshalString(raw, out); err != nil {
		return true, errs.Input(key, fmt.Errorf("prefs: decode %s: %w", key, err))
	}
	return true, nil
}

// Bool reads a boolean pref, false when absent or malformed.
func (p *Prefs) Bool(key string) bool {
	var v bool
	ok, err := p.Get(key, &v)
	return ok && err == nil && v
}

// String reads a string pref, "" when absent.
func (p *Prefs) String(key string) string {
	var v string
	if ok, err := p.Get(key, &v); !ok || err != nil {
		return ""
	}
	return v
}

// UserCategoriesMerged returns the user_categories pref with any pair of
// labels differing only by case merged into one (§4.7 step 3).
func (p *Prefs) UserCategoriesMerged() map[string][]string {
	var cats map[string][]string
	if ok, err := p.Get(PrefUserCategories, &cats); !ok || err != nil {
		return map[string][]string{}
	}
	labels := make([]string, 0, len(cats))
	for l := range cats {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	merged := map[string][]string{}
	canon := map[string]string{} // folded -> surviving label
	for _, l := range labels {
		folded := textutil.ICULower(l)
		if keep, ok := canon[folded]; ok {
			merged[keep] = append(merged[keep], cats[l]...)
			continue
		}
		canon[folded] = l
		merged[l] = append([]string(nil), cats[l]...)
	}
	return merged
}

// GroupedSearchTerms returns the grouped_search_terms pref.
func (p *Prefs) GroupedSearchTerms() map[string]string {
	var groups map[string]any
	if ok, err := p.Get(PrefGroupedSearchTerms, &groups); !ok || err != nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(groups))
	for k, v := range groups {
		switch t := v.(type) {
		case string:
			out[k] = t
		case []any:
			parts := make([]string, 0, len(t))
			for _, e := range t {
				parts = append(parts, fmt.Sprintf("%v", e))
			}
			out[k] = strings.Join(parts, " OR ")
		}
	}
	return out
}

// VirtualLibraries returns the virtual_libraries pref: label -> search
// expression.
func (p *Prefs) VirtualLibraries() map[string]string {
	var vls map[string]string
	if ok, err := p.Get(PrefVirtualLibraries, &vls); !ok || err != nil {
		return map[string]string{}
	}
	return vls
}
