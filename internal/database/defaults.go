package database

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/contaflux/contaflux/internal/database/repository"
)

// SeedDefaults ensures the provider directory and the system category
// taxonomy exist. IDs are derived from stable keys, so reseeding updates
// rows in place instead of duplicating them. Safe to run on every startup.
func SeedDefaults(ctx context.Context, db *sql.DB) error {
	providers := repository.NewProviderRepo(db)
	for _, p := range defaultProviders {
		p.ID = seedID("provider:" + p.Code)
		p.IsActive = true
		if err := providers.Upsert(ctx, p); err != nil {
			return err
		}
	}
	categories := repository.NewCategoryRepo(db)
	for _, c := range defaultCategories {
		c.ID = seedID("category:" + c.Slug)
		c.IsSystem = true
		if err := categories.Upsert(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func seedID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// defaultProviders covers the major Brazilian retail banks, keyed by their
// central bank compensation code.
var defaultProviders = []repository.Provider{
	{Code: "001", Name: "Banco do Brasil", Color: "#FFFF00", RequiresAgency: true},
	{Code: "033", Name: "Santander", Color: "#EC0000", RequiresAgency: true},
	{Code: "077", Name: "Inter", Color: "#FF8700", RequiresAgency: true},
	{Code: "104", Name: "Caixa Econômica Federal", Color: "#005CA9", RequiresAgency: true},
	{Code: "212", Name: "Banco Original", Color: "#00A868", RequiresAgency: true},
	{Code: "237", Name: "Bradesco", Color: "#CC092F", RequiresAgency: true},
	{Code: "260", Name: "Nubank", Color: "#8A05BE", RequiresAgency: false},
	{Code: "323", Name: "Mercado Pago", Color: "#009EE3", RequiresAgency: false},
	{Code: "336", Name: "C6 Bank", Color: "#242424", RequiresAgency: true},
	{Code: "341", Name: "Itaú", Color: "#FF7800", RequiresAgency: true},
}

// defaultCategories is the small-business taxonomy used for classification.
// Keywords feed both the heuristic classifier and rule suggestions.
var defaultCategories = []repository.Category{
	{Slug: "vendas", Name: "Vendas", Kind: "income",
		Keywords: []string{"venda", "pedido", "fatura", "nf", "nota fiscal"}},
	{Slug: "servicos", Name: "Serviços", Kind: "income",
		Keywords: []string{"servico", "consultoria", "manutencao", "reparo"}},
	{Slug: "investimentos", Name: "Investimentos", Kind: "income",
		Keywords: []string{"rendimento", "dividendo", "juros", "aplicacao"}},
	{Slug: "outros-recebimentos", Name: "Outros Recebimentos", Kind: "income",
		Keywords: []string{"reembolso", "devolucao", "estorno"}},
	{Slug: "fornecedores", Name: "Fornecedores", Kind: "expense",
		Keywords: []string{"fornecedor", "compra", "material", "estoque"}},
	{Slug: "folha-pagamento", Name: "Folha de Pagamento", Kind: "expense",
		Keywords: []string{"salario", "folha", "pagamento", "funcionario", "rh"}},
	{Slug: "impostos", Name: "Impostos", Kind: "expense",
		Keywords: []string{"imposto", "taxa", "tributo", "darf", "das", "inss", "fgts"}},
	{Slug: "aluguel-condominio", Name: "Aluguel e Condomínio", Kind: "expense",
		Keywords: []string{"aluguel", "condominio", "iptu", "locacao"}},
	{Slug: "contas-consumo", Name: "Contas de Consumo", Kind: "expense",
		Keywords: []string{"luz", "agua", "energia", "telefone", "internet", "gas"}},
	{Slug: "marketing", Name: "Marketing", Kind: "expense",
		Keywords: []string{"propaganda", "publicidade", "anuncio", "google", "facebook", "instagram"}},
	{Slug: "transporte", Name: "Transporte", Kind: "expense",
		Keywords: []string{"combustivel", "uber", "taxi", "frete", "entrega", "gasolina"}},
	{Slug: "alimentacao", Name: "Alimentação", Kind: "expense",
		Keywords: []string{"restaurante", "lanche", "refeicao", "ifood", "almoco"}},
	{Slug: "software-tecnologia", Name: "Software e Tecnologia", Kind: "expense",
		Keywords: []string{"software", "licenca", "assinatura", "nuvem", "hosting", "dominio"}},
	{Slug: "taxas-bancarias", Name: "Taxas Bancárias", Kind: "expense",
		Keywords: []string{"tarifa", "taxa", "juros", "iof", "ted", "doc", "anuidade"}},
	{Slug: "outros-gastos", Name: "Outros Gastos", Kind: "expense",
		Keywords: []string{"diversos", "outros", "gasto"}},
	{Slug: "transferencias", Name: "Transferências", Kind: "transfer",
		Keywords: []string{"transferencia", "transfer", "entre contas"}},
}
