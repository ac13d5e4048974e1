package assistant

// Seed provides the default assistants used when no ASSISTANTS_FILE is configured.
func Seed() []Assistant {
	items := []Assistant{
		{
			ID:           "knowledge",
			Name:         "Knowledge Base",
			Description:  "Answers from the product documentation.",
			SystemPrompt: "You answer questions using only the provided documentation passages. Cite what you use.",
			Pipelines:    []Pipeline{PipelineRAG},
			Documents: []Document{
				{ID: "doc-onboarding", Title: "Onboarding guide", FileName: "onboarding.pdf",
					Text: "New connectors are created from the settings page. Each connector needs a name, a type and credentials stored in the vault."},
				{ID: "doc-retention", Title: "Data retention policy", FileName: "retention.docx",
					Text: "Chat history is kept for 90 days. Deleting a session removes its history and any cached answers it produced."},
				{ID: "doc-faq", Title: "FAQ", URL: "https://docs.example.com/faq",
					Text: "Certified views are curated SQL views validated by the data team. Ad-hoc SQL is generated on demand and is read-only."},
			},
		},
		{
			ID:           "sales",
			Name:         "Sales Analyst",
			Description:  "Answers sales questions from certified views, ad-hoc SQL and CSV exports.",
			SystemPrompt: "You are a careful sales analyst. Explain figures plainly and mention the data source.",
			Pipelines:    []Pipeline{PipelineCertifiedSQL, PipelineAdhocSQL, PipelineCSV, PipelineRAG},
			Views: []CertifiedView{
				{Name: "monthly_revenue", Description: "Revenue per month, certified by finance.",
					Query: "SELECT month, revenue FROM monthly_revenue ORDER BY month"},
				{Name: "top_customers", Description: "Top customers by lifetime value.",
					Query: "SELECT customer, lifetime_value FROM top_customers ORDER BY lifetime_value DESC"},
			},
			Tables: []string{"orders", "customers"},
			CSVFiles: []CSVFile{
				{Name: "regional_sales", Path: "data/regional_sales.csv", Description: "Quarterly sales per region."},
			},
		},
	}
	for i := range items {
		// Seed data is static and valid; Validate only fills defaults here.
		_ = items[i].Validate()
	}
	return items
}
