package plaid

import (
	"context"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/plaid/plaid-go/v41/plaid"
	"github.com/shopspring/decimal"

	"ledgerlink-server/src/models"
)

var logger = loggo.GetLogger("ledgerlink.plaid")

// transactionsPageSize is the largest page /transactions/get accepts.
const transactionsPageSize = 500

func NewPlaidClient(clientID, secret, env string) (*plaid.APIClient, error) {
	configuration := plaid.NewConfiguration()
	configuration.AddDefaultHeader("PLAID-CLIENT-ID", clientID)
	configuration.AddDefaultHeader("PLAID-SECRET", secret)

	switch env {
	case "sandbox":
		configuration.UseEnvironment(plaid.Sandbox)
	case "production":
		configuration.UseEnvironment(plaid.Production)
	default:
		return nil, errors.NotValidf("plaid environment %q", env)
	}

	return plaid.NewAPIClient(configuration), nil
}

// Options holds the link session settings shared by every user.
type Options struct {
	ClientName string
	Language   string
	Country    string
	WebhookURL string
}

// Client is the typed provider client. Every method is a single request/response
// except GetTransactions, which follows the feed's pagination.
type Client struct {
	api     *plaid.APIClient
	opts    Options
	country plaid.CountryCode
}

func NewClient(api *plaid.APIClient, opts Options) (*Client, error) {
	country, err := plaid.NewCountryCodeFromValue(strings.ToUpper(opts.Country))
	if err != nil || !country.IsValid() {
		return nil, errors.NotValidf("plaid country %q", opts.Country)
	}
	return &Client{api: api, opts: opts, country: *country}, nil
}

// CreateLinkToken issues a link session token for one user, scoped to transactions.
func (c *Client) CreateLinkToken(ctx context.Context, userID string) (string, error) {
	user := plaid.LinkTokenCreateRequestUser{
		ClientUserId: userID,
	}
	request := plaid.NewLinkTokenCreateRequest(
		c.opts.ClientName,
		c.opts.Language,
		[]plaid.CountryCode{c.country},
	)
	request.SetUser(user)
	request.SetProducts([]plaid.Products{plaid.PRODUCTS_TRANSACTIONS})
	if c.opts.WebhookURL != "" {
		request.SetWebhook(c.opts.WebhookURL)
	}

	resp, _, err := c.api.PlaidApi.LinkTokenCreate(ctx).LinkTokenCreateRequest(*request).Execute()
	if err != nil {
		return "", upstream("link token create", err)
	}
	return resp.GetLinkToken(), nil
}

// ExchangePublicToken trades a temporary credential for an access token and item id.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (models.ExchangeResult, error) {
	request := plaid.NewItemPublicTokenExchangeRequest(publicToken)
	resp, _, err := c.api.PlaidApi.ItemPublicTokenExchange(ctx).ItemPublicTokenExchangeRequest(*request).Execute()
	if err != nil {
		return models.ExchangeResult{}, upstream("public token exchange", err)
	}
	return models.ExchangeResult{
		AccessToken: resp.GetAccessToken(),
		ItemID:      resp.GetItemId(),
	}, nil
}

func (c *Client) GetAccounts(ctx context.Context, accessToken string) ([]models.ProviderAccount, error) {
	request := plaid.NewAccountsGetRequest(accessToken)
	resp, _, err := c.api.PlaidApi.AccountsGet(ctx).AccountsGetRequest(*request).Execute()
	if err != nil {
		return nil, upstream("accounts get", err)
	}

	accounts := make([]models.ProviderAccount, 0, len(resp.GetAccounts()))
	for _, acc := range resp.GetAccounts() {
		balances := acc.GetBalances()
		accounts = append(accounts, models.ProviderAccount{
			AccountID:        acc.GetAccountId(),
			Name:             acc.GetName(),
			OfficialName:     acc.OfficialName.Get(),
			Type:             string(acc.GetType()),
			Subtype:          string(acc.GetSubtype()),
			Mask:             acc.GetMask(),
			CurrentBalance:   toDecimal(balances.Current.Get()),
			AvailableBalance: toDecimal(balances.Available.Get()),
		})
	}
	return accounts, nil
}

// GetTransactions returns the whole feed between two YYYY-MM-DD dates, page by page.
func (c *Client) GetTransactions(ctx context.Context, accessToken, startDate, endDate string) ([]models.ProviderTransaction, error) {
	var feed []models.ProviderTransaction
	for {
		options := plaid.NewTransactionsGetRequestOptions()
		options.SetCount(transactionsPageSize)
		options.SetOffset(int32(len(feed)))

		request := plaid.NewTransactionsGetRequest(accessToken, startDate, endDate)
		request.SetOptions(*options)

		resp, _, err := c.api.PlaidApi.TransactionsGet(ctx).TransactionsGetRequest(*request).Execute()
		if err != nil {
			return nil, upstream("transactions get", err)
		}

		page := resp.GetTransactions()
		for _, txn := range page {
			pfc := txn.GetPersonalFinanceCategory()
			feed = append(feed, models.ProviderTransaction{
				TransactionID:    txn.GetTransactionId(),
				AccountID:        txn.GetAccountId(),
				Amount:           txn.GetAmount(),
				Date:             txn.GetDate(),
				Name:             txn.GetName(),
				MerchantName:     txn.GetMerchantName(),
				PrimaryCategory:  pfc.GetPrimary(),
				LegacyCategories: txn.GetCategory(),
				Pending:          txn.GetPending(),
			})
		}

		if len(page) == 0 || len(feed) >= int(resp.GetTotalTransactions()) {
			break
		}
		logger.Debugf("fetched %d of %d transactions, requesting next page", len(feed), resp.GetTotalTransactions())
	}
	return feed, nil
}

// RemoveItem revokes the access token at the provider.
func (c *Client) RemoveItem(ctx context.Context, accessToken string) error {
	request := plaid.NewItemRemoveRequest(accessToken)
	_, _, err := c.api.PlaidApi.ItemRemove(ctx).ItemRemoveRequest(*request).Execute()
	if err != nil {
		return upstream("item remove", err)
	}
	return nil
}

// LookupInstitution resolves the institution behind an item. It returns an empty id
// and name when the provider does not report one.
func (c *Client) LookupInstitution(ctx context.Context, accessToken string) (string, string, error) {
	itemResp, _, err := c.api.PlaidApi.ItemGet(ctx).ItemGetRequest(*plaid.NewItemGetRequest(accessToken)).Execute()
	if err != nil {
		return "", "", upstream("item get", err)
	}
	item := itemResp.GetItem()
	institutionID := item.GetInstitutionId()
	if institutionID == "" {
		return "", "", nil
	}

	request := plaid.NewInstitutionsGetByIdRequest(institutionID, []plaid.CountryCode{c.country})
	instResp, _, err := c.api.PlaidApi.InstitutionsGetById(ctx).InstitutionsGetByIdRequest(*request).Execute()
	if err != nil {
		return institutionID, "", upstream("institutions get by id", err)
	}
	institution := instResp.GetInstitution()
	return institutionID, institution.GetName(), nil
}

// WebhookKey fetches the JWK used to sign webhooks with the given key id.
func (c *Client) WebhookKey(ctx context.Context, kid string) (*plaid.JWKPublicKey, error) {
	req := *plaid.NewWebhookVerificationKeyGetRequest(kid)
	resp, _, err := c.api.PlaidApi.WebhookVerificationKeyGet(ctx).
		WebhookVerificationKeyGetRequest(req).
		Execute()
	if err != nil {
		return nil, upstream("webhook verification key get", err)
	}
	key := resp.GetKey()
	return &key, nil
}

func toDecimal(v *float64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.NewFromFloat(*v)
	return &d
}

func (o Options) String() string {
	return fmt.Sprintf("client=%q language=%s country=%s webhook=%t", o.ClientName, o.Language, o.Country, o.WebhookURL != "")
}
