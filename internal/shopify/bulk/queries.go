package bulk

// Every document carries an operation name; the fake shop in the tests
// routes on it.

const mutationBulkRunQuery = `
mutation BulkRunQuery($query: String!) {
  bulkOperationRunQuery(query: $query) {
    bulkOperation {
      id
      status
    }
    userErrors {
      field
      message
    }
  }
}`

const queryBulkOperationByID = `
query BulkOperationById($id: ID!) {
  node(id: $id) {
    ... on BulkOperation {
      id
      status
      errorCode
      objectCount
      url
      partialDataUrl
    }
  }
}`

const mutationBulkCancel = `
mutation BulkCancel($id: ID!) {
  bulkOperationCancel(id: $id) {
    bulkOperation {
      id
      status
    }
    userErrors {
      field
      message
    }
  }
}`

const mutationStagedUploadsCreate = `
mutation StagedUploadsCreate($input: [StagedUploadInput!]!) {
  stagedUploadsCreate(input: $input) {
    stagedTargets {
      url
      resourceUrl
      parameters {
        name
        value
      }
    }
    userErrors {
      field
      message
    }
  }
}`

const mutationBulkRunMutation = `
mutation BulkRunMutation($mutation: String!, $stagedUploadPath: String!, $clientIdentifier: String) {
  bulkOperationRunMutation(mutation: $mutation, stagedUploadPath: $stagedUploadPath, clientIdentifier: $clientIdentifier) {
    bulkOperation {
      id
      status
      url
    }
    userErrors {
      field
      message
    }
  }
}`

// productUpdateMutation is executed once per change-set line; $product is
// bound to the line's "product" member.
const productUpdateMutation = `
mutation call($product: ProductUpdateInput!) {
  productUpdate(product: $product) {
    product {
      id
      tags
      seo {
        title
        description
      }
    }
    userErrors {
      field
      message
    }
  }
}`

// productsCurrentState is the bulk read used before every merge.
const productsCurrentState = `
{
  products {
    edges {
      node {
        id
        tags
        seo {
          title
          description
        }
      }
    }
  }
}`
