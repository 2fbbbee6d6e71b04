package proxy

import (
	"context"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Reconciler re-evaluates the apex/www auto-redirect rule on every domain
// add/remove: when a project owns the registrable apex and no project
// owns www.<apex>, publish www.<apex> -> apex, and mirror the other
// direction; exclusivity means at most one direction ever has a redirect
// row at a time.
type Reconciler struct {
	driver *Driver
	lookup DomainLookup
}

// DomainLookup resolves whether a domain name is currently owned by any
// project, and by which domain row id (for the owner_domain_id the
// redirect route is keyed on).
type DomainLookup interface {
	OwnerDomainID(ctx context.Context, domain string) (id string, owned bool, err error)
}

func NewReconciler(driver *Driver, lookup DomainLookup) *Reconciler {
	return &Reconciler{driver: driver, lookup: lookup}
}

func (r *Reconciler) Reconcile(ctx context.Context, domain string) error {
	apex, www, err := apexAndWWW(domain)
	if err != nil {
		return nil // not a registrable domain (e.g. bare IP); nothing to do
	}

	apexID, apexOwned, err := r.lookup.OwnerDomainID(ctx, apex)
	if err != nil {
		return err
	}
	wwwID, wwwOwned, err := r.lookup.OwnerDomainID(ctx, www)
	if err != nil {
		return err
	}

	switch {
	case apexOwned && !wwwOwned:
		if err := r.driver.RemoveApexWWWRedirect(ctx, wwwID); err != nil {
			return err
		}
		return r.driver.AddApexWWWRedirect(ctx, apexID, www, apex)
	case wwwOwned && !apexOwned:
		if err := r.driver.RemoveApexWWWRedirect(ctx, apexID); err != nil {
			return err
		}
		return r.driver.AddApexWWWRedirect(ctx, wwwID, apex, www)
	default:
		// both or neither owned: no redirect is admissible.
		r.driver.RemoveApexWWWRedirect(ctx, apexID)
		r.driver.RemoveApexWWWRedirect(ctx, wwwID)
		return nil
	}
}

func apexAndWWW(domain string) (apex, www string, err error) {
	domain = strings.TrimPrefix(domain, "www.")
	etld, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return "", "", err
	}
	return etld, "www." + etld, nil
}
