package amocrm

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
)

func (c *httpClient) ListLeads(ctx context.Context, q LeadQuery) ([]Lead, error) {
	v := url.Values{}
	if q.Query != "" {
		v.Set("query", q.Query)
	}
	for _, id := range q.PipelineIDs {
		v.Add("filter[pipeline_id][]", strconv.Itoa(id))
	}
	if q.WithContact {
		v.Set("with", "contacts")
	}
	leads, err := listAll(ctx, c, "/leads", v, func(e leadsEmbedded) []Lead { return e.Leads })
	if err != nil {
		return nil, eris.Wrap(err, "amocrm: list leads")
	}
	return leads, nil
}

func (c *httpClient) GetLeads(ctx context.Context, ids []int) ([]Lead, error) {
	var out []Lead
	for start := 0; start < len(ids); start += c.batchSize {
		end := min(start+c.batchSize, len(ids))
		v := url.Values{}
		for _, id := range ids[start:end] {
			v.Add("filter[id][]", strconv.Itoa(id))
		}
		v.Set("with", "contacts")
		leads, err := listAll(ctx, c, "/leads", v, func(e leadsEmbedded) []Lead { return e.Leads })
		if err != nil {
			return nil, eris.Wrapf(err, "amocrm: get leads batch %d-%d", start, end)
		}
		out = append(out, leads...)
	}
	return out, nil
}

func (c *httpClient) ListContacts(ctx context.Context, q ContactQuery) ([]Contact, error) {
	v := url.Values{}
	if q.Query != "" {
		v.Set("query", q.Query)
	}
	if q.WithLeads {
		v.Set("with", "leads")
	}
	contacts, err := listAll(ctx, c, "/contacts", v, func(e contactsEmbedded) []Contact { return e.Contacts })
	if err != nil {
		return nil, eris.Wrap(err, "amocrm: list contacts")
	}
	return contacts, nil
}

func (c *httpClient) CreateContacts(ctx context.Context, contacts []Contact) ([]int, error) {
	if len(contacts) == 0 {
		return nil, nil
	}
	var resp page[contactsEmbedded]
	if err := c.write(ctx, http.MethodPost, "/contacts", contacts, &resp); err != nil {
		return nil, eris.Wrap(err, "amocrm: create contacts")
	}
	ids := make([]int, 0, len(resp.Embedded.Contacts))
	for _, ct := range resp.Embedded.Contacts {
		ids = append(ids, ct.ID)
	}
	if len(ids) != len(contacts) {
		return ids, eris.Errorf("amocrm: create contacts: sent %d, got %d ids", len(contacts), len(ids))
	}
	return ids, nil
}

func (c *httpClient) UpdateContact(ctx context.Context, contact Contact) error {
	if contact.ID == 0 {
		return eris.New("amocrm: update contact: missing id")
	}
	if err := c.write(ctx, http.MethodPatch, "/contacts/"+strconv.Itoa(contact.ID), contact, nil); err != nil {
		return eris.Wrapf(err, "amocrm: update contact %d", contact.ID)
	}
	return nil
}

func (c *httpClient) CreateLeads(ctx context.Context, leads []Lead) ([]int, error) {
	if len(leads) == 0 {
		return nil, nil
	}
	var resp page[leadsEmbedded]
	if err := c.write(ctx, http.MethodPost, "/leads", leads, &resp); err != nil {
		return nil, eris.Wrap(err, "amocrm: create leads")
	}
	ids := make([]int, 0, len(resp.Embedded.Leads))
	for _, l := range resp.Embedded.Leads {
		ids = append(ids, l.ID)
	}
	if len(ids) != len(leads) {
		return ids, eris.Errorf("amocrm: create leads: sent %d, got %d ids", len(leads), len(ids))
	}
	return ids, nil
}

func (c *httpClient) UpdateLead(ctx context.Context, lead Lead) error {
	if lead.ID == 0 {
		return eris.New("amocrm: update lead: missing id")
	}
	if err := c.write(ctx, http.MethodPatch, "/leads/"+strconv.Itoa(lead.ID), lead, nil); err != nil {
		return eris.Wrapf(err, "amocrm: update lead %d", lead.ID)
	}
	return nil
}

func (c *httpClient) Account(ctx context.Context) (*Account, error) {
	r, err := c.newRequest(http.MethodGet, "/account", nil, nil)
	if err != nil {
		return nil, err
	}
	var acc Account
	if _, err := c.call(ctx, r, &acc); err != nil {
		return nil, eris.Wrap(err, "amocrm: account")
	}
	return &acc, nil
}

func (c *httpClient) write(ctx context.Context, method, path string, body, out any) error {
	r, err := c.newRequest(method, path, nil, body)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, r, out)
	return err
}

// listAll follows pagination until a short page, a missing next link, or a
// 204 (amoCRM's answer to an empty search).
func listAll[E, T any](ctx context.Context, c *httpClient, path string, v url.Values, items func(E) []T) ([]T, error) {
	var all []T
	for p := 1; p <= maxPages; p++ {
		q := url.Values{}
		for k, vs := range v {
			q[k] = append([]string(nil), vs...)
		}
		q.Set("page", strconv.Itoa(p))
		q.Set("limit", strconv.Itoa(c.pageLimit))

		r, err := c.newRequest(http.MethodGet, path, q, nil)
		if err != nil {
			return nil, err
		}
		var pg page[E]
		status, err := c.call(ctx, r, &pg)
		if err != nil {
			return nil, err
		}
		if status == http.StatusNoContent {
			break
		}
		batch := items(pg.Embedded)
		all = append(all, batch...)
		if pg.Links.Next == nil || len(batch) < c.pageLimit {
			break
		}
	}
	return all, nil
}
